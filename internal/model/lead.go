package model

import "time"

// Lead is the slice of the CRM lead record the automation reads.
type Lead struct {
	ID                string `json:"id"`
	Phone             string `json:"phone"`
	Email             string `json:"email,omitempty"`
	FirstName         string `json:"firstName,omitempty"`
	VehicleOfInterest string `json:"vehicleOfInterest,omitempty"`
	DealershipName    string `json:"dealershipName,omitempty"`
}

// Contact returns the contact value used for suppression on a channel.
func (l Lead) Contact(ch Channel) string {
	if ch == ChannelEmail {
		return l.Email
	}
	return l.Phone
}

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type ConversationMessage struct {
	Direction Direction `json:"direction" validate:"required,oneof=inbound outbound"`
	Text      string    `json:"text" validate:"required"`
	At        time.Time `json:"at"`
}

package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/LeventeLantos/lead-automation/internal/model"
	"github.com/LeventeLantos/lead-automation/internal/repo"
)

const maxCASAttempts = 5

// mutate reads the schedule, applies fn and writes it back under the version
// check, re-reading on conflict. It reports whether anything was written.
func mutate(
	ctx context.Context,
	schedules repo.ScheduleRepository,
	leadID string,
	fn func(model.LeadSchedule) (model.LeadSchedule, error),
) (model.LeadSchedule, bool, error) {
	for range maxCASAttempts {
		cur, err := schedules.GetSchedule(ctx, leadID)
		if err != nil {
			return model.LeadSchedule{}, false, err
		}

		next, err := fn(cur)
		if err != nil {
			return cur, false, err
		}
		if reflect.DeepEqual(cur, next) {
			return cur, false, nil
		}

		saved, err := schedules.UpdateSchedule(ctx, next)
		if errors.Is(err, model.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return cur, false, err
		}
		return saved, true, nil
	}
	return model.LeadSchedule{}, false, fmt.Errorf("lead %s: gave up after %d attempts: %w", leadID, maxCASAttempts, model.ErrVersionConflict)
}

func storageErr(op string, err error) error {
	if model.KindOf(err) != "" || errors.Is(err, model.ErrNotFound) {
		return err
	}
	return model.NewError(model.KindStorage, op, err)
}

/*
Copyright 2025 Alloq Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package alloq

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/alloq-io/alloq/internal/apierror"
	"github.com/alloq-io/alloq/internal/notification"
	"github.com/alloq-io/alloq/model"
)

// replayPageSize bounds one ledger read during reconciliation.
const replayPageSize = 1000

// TryReserve bumps an owner's counter by delta, honoring the owner's cap
// policy. Hard-capped owners at max return false without mutation.
func (a *Alloq) TryReserve(ctx context.Context, ownerID string, delta int64) (bool, error) {
	return a.datasource.TryReserveCapacity(ctx, ownerID, delta)
}

// Release returns delta units of an owner's load. The counter floors at
// zero.
func (a *Alloq) Release(ctx context.Context, ownerID string, delta int64) error {
	return a.datasource.ReleaseCapacity(ctx, ownerID, delta)
}

// GetCapacity reads one owner's counter.
func (a *Alloq) GetCapacity(ctx context.Context, ownerID string) (*model.CapacityCounter, error) {
	return a.datasource.GetCapacityCounter(ctx, ownerID)
}

// ReconcileCapacity replays the full ledger and compares the derived
// counters against the stored ones. A mismatch is a DATA_INTEGRITY failure:
// it is reported for every diverging owner and automated processing must
// halt for those owners until the counters are repaired. When repair is
// true the stored counters are overwritten with the replay result.
func (a *Alloq) ReconcileCapacity(ctx context.Context, repair bool) (map[string]int64, error) {
	replayed, err := a.replayLedger(ctx)
	if err != nil {
		return nil, err
	}

	mismatches := make(map[string]int64)
	for ownerID, want := range replayed {
		counter, err := a.datasource.GetCapacityCounter(ctx, ownerID)
		if err != nil {
			if apierror.CodeOf(err) == apierror.ErrNotFound {
				mismatches[ownerID] = want
				continue
			}
			return nil, err
		}
		if counter.Current != want {
			mismatches[ownerID] = want
		}
	}

	if len(mismatches) == 0 {
		logrus.Info("capacity reconciliation clean, counters match ledger replay")
		return nil, nil
	}

	integrityErr := apierror.NewAPIError(apierror.ErrDataIntegrity,
		fmt.Sprintf("capacity counters diverge from ledger replay for %d owner(s)", len(mismatches)), mismatches)
	notification.NotifyError(integrityErr)

	if repair {
		if err := a.datasource.ResetCapacityCounters(ctx, replayed); err != nil {
			return mismatches, err
		}
		logrus.Warnf("capacity counters reset from ledger replay for %d owner(s)", len(mismatches))
		return mismatches, nil
	}
	return mismatches, integrityErr
}

// replayLedger streams every record in creation order and folds it through
// the replay law.
func (a *Alloq) replayLedger(ctx context.Context) (map[string]int64, error) {
	var all []model.AllocationRecord
	for offset := 0; ; offset += replayPageSize {
		page, err := a.datasource.GetAllRecords(ctx, replayPageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < replayPageSize {
			break
		}
	}
	return model.ReplayCounters(all), nil
}

package registry

import (
	"time"

	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/modules/artifacts"
	"github.com/aristath/augur/internal/modules/models"
)

// SlotState is the lifecycle state of one model key.
type SlotState string

const (
	StateUnloaded   SlotState = "unloaded"
	StateLoaded     SlotState = "loaded"
	StateServing    SlotState = "serving"
	StateLoadFailed SlotState = "load_failed"
)

// slot is immutable once published in a snapshot.
type slot struct {
	key      domain.ModelKey
	state    SlotState
	err      string
	loadedAt time.Time
	artifact *artifacts.Artifact
	model    models.Regressor
}

// SlotStatus is the public view of a slot.
type SlotStatus struct {
	Key            domain.ModelKey    `json:"key"`
	AssetClass     domain.AssetClass  `json:"asset_class"`
	Family         domain.ModelFamily `json:"family"`
	State          SlotState          `json:"state"`
	Version        string             `json:"version,omitempty"`
	Error          string             `json:"error,omitempty"`
	LoadedAt       *time.Time         `json:"loaded_at,omitempty"`
	ValidationRMSE float64            `json:"validation_rmse,omitempty"`
	Columns        int                `json:"columns,omitempty"`
}

func (s *slot) status() SlotStatus {
	asset, family, _ := s.key.Split()
	st := SlotStatus{Key: s.key, AssetClass: asset, Family: family, State: s.state, Error: s.err}
	if s.artifact != nil {
		st.Version = s.artifact.Version
		st.ValidationRMSE = s.artifact.ValidationRMSE
		st.Columns = len(s.artifact.Spec.Columns)
	}
	if !s.loadedAt.IsZero() {
		t := s.loadedAt
		st.LoadedAt = &t
	}
	return st
}

// snapshot is the slot table. Readers never see a partially updated table.
type snapshot struct {
	order []domain.ModelKey
	slots map[domain.ModelKey]*slot
}

func (s *snapshot) with(sl *slot) *snapshot {
	next := &snapshot{order: s.order, slots: make(map[domain.ModelKey]*slot, len(s.slots)+1)}
	for k, v := range s.slots {
		next.slots[k] = v
	}
	if _, ok := s.slots[sl.key]; !ok {
		next.order = append(append([]domain.ModelKey(nil), s.order...), sl.key)
	}
	next.slots[sl.key] = sl
	return next
}

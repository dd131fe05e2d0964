package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/modules/dataset"
	"github.com/aristath/augur/internal/modules/models"
)

type memoryMirror struct {
	objects map[string][]byte
	failPut bool
}

func newMemoryMirror() *memoryMirror {
	return &memoryMirror{objects: make(map[string][]byte)}
}

func (m *memoryMirror) Upload(_ context.Context, name string, data []byte) error {
	if m.failPut {
		return errors.New("bucket unavailable")
	}
	m.objects[name] = append([]byte(nil), data...)
	return nil
}

func (m *memoryMirror) Download(_ context.Context, name string) ([]byte, error) {
	data, ok := m.objects[name]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

func testArtifact(t *testing.T, version string) *Artifact {
	t.Helper()
	tree := models.NewBoostedTrees(models.Params{NEstimators: 5, MinLeaf: 1})
	samples := []models.Sample{{Flat: []float64{0}}, {Flat: []float64{1}}, {Flat: []float64{2}}, {Flat: []float64{3}}}
	_, err := tree.Fit(context.Background(), samples, []float64{0, 0, 1, 1})
	require.NoError(t, err)
	payload, err := tree.MarshalBinary()
	require.NoError(t, err)

	key := domain.NewModelKey(domain.AssetStocks, domain.FamilyTree)
	return &Artifact{
		Key:        key,
		AssetClass: domain.AssetStocks,
		Family:     domain.FamilyTree,
		Version:    version,
		CreatedAt:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Model:      payload,
		Spec: FeatureSpec{
			Columns: []string{"close"},
			Scaler:  &dataset.Scaler{Mean: []float64{1.5}, Std: []float64{1}},
			Horizon: 1,
		},
		ValidationRMSE: 0.1,
		TargetStd:      0.5,
		SampleInputs:   samples,
	}
}

func newStore(t *testing.T, mirror Mirror) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), mirror, zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, err)
	return s
}

func TestStore_SaveLoad(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()
	a := testArtifact(t, "v1")

	require.NoError(t, s.Save(ctx, "stocks_xgb", a))

	loaded, err := s.Load(ctx, "stocks_xgb")
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, loaded.FormatVersion)
	assert.Equal(t, a.Key, loaded.Key)
	assert.Equal(t, "v1", loaded.Version)
	assert.Equal(t, []string{"close"}, loaded.Spec.Columns)
	assert.True(t, a.CreatedAt.Equal(loaded.CreatedAt))
	assert.Len(t, loaded.SampleInputs, 4)

	model, err := loaded.Regressor()
	require.NoError(t, err)
	assert.Equal(t, domain.FamilyTree, model.Family())

	orig, err := a.Regressor()
	require.NoError(t, err)
	for _, smp := range a.SampleInputs {
		p1, _ := orig.Predict(smp)
		p2, _ := model.Predict(smp)
		assert.Equal(t, p1, p2)
	}
}

func TestStore_ArchivesPreviousVersion(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "stocks_xgb", testArtifact(t, "v1")))
	require.NoError(t, s.Save(ctx, "stocks_xgb", testArtifact(t, "v2")))
	require.NoError(t, s.Save(ctx, "stocks_xgb", testArtifact(t, "v3")))

	current, err := s.Load(ctx, "stocks_xgb")
	require.NoError(t, err)
	assert.Equal(t, "v3", current.Version)

	versions, err := s.Versions("stocks_xgb")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, versions)

	_, err = os.Stat(filepath.Join(s.Dir(), "versions", "stocks_xgb_v1.artifact"))
	assert.NoError(t, err)
}

func TestStore_LoadMissing(t *testing.T) {
	s := newStore(t, nil)

	_, err := s.Load(context.Background(), "crypto_lstm")
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "crypto_lstm", nf.Name)
}

func TestStore_InvalidInput(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()
	var verr *domain.ValidationError

	assert.ErrorAs(t, s.Save(ctx, "../escape", testArtifact(t, "v1")), &verr)

	bad := testArtifact(t, "v1")
	bad.Model = nil
	assert.ErrorAs(t, s.Save(ctx, "stocks_xgb", bad), &verr)

	seq := testArtifact(t, "v1")
	seq.Family = domain.FamilySequence
	assert.ErrorAs(t, s.Save(ctx, "stocks_lstm", seq), &verr)
}

func TestStore_List(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "stocks_xgb", testArtifact(t, "v1")))
	require.NoError(t, s.Save(ctx, "best_trees", testArtifact(t, "v9")))

	infos, err := s.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "best_trees", infos[0].Name)
	assert.Equal(t, "v9", infos[0].Version)
	assert.Equal(t, "stocks_xgb", infos[1].Name)
	assert.Positive(t, infos[1].SizeBytes)
}

func TestStore_Mirror(t *testing.T) {
	mirror := newMemoryMirror()
	ctx := context.Background()

	writer := newStore(t, mirror)
	require.NoError(t, writer.Save(ctx, "stocks_xgb", testArtifact(t, "v1")))
	assert.Contains(t, mirror.objects, "stocks_xgb.artifact")

	// A fresh store on another disk recovers from the mirror and caches locally
	reader := newStore(t, mirror)
	a, err := reader.Load(ctx, "stocks_xgb")
	require.NoError(t, err)
	assert.Equal(t, "v1", a.Version)
	_, err = os.Stat(filepath.Join(reader.Dir(), "stocks_xgb.artifact"))
	assert.NoError(t, err)
}

func TestStore_MirrorFailureDoesNotFailSave(t *testing.T) {
	mirror := newMemoryMirror()
	mirror.failPut = true
	s := newStore(t, mirror)

	require.NoError(t, s.Save(context.Background(), "stocks_xgb", testArtifact(t, "v1")))
	_, err := s.Load(context.Background(), "stocks_xgb")
	assert.NoError(t, err)
}

func TestDecode_RejectsUnknownFormat(t *testing.T) {
	a := testArtifact(t, "v1")
	a.FormatVersion = 99
	data, err := Encode(a)
	require.NoError(t, err)

	_, err = Decode(data)
	assert.Error(t, err)
}

func TestNewVersion(t *testing.T) {
	v1 := NewVersion(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	v2 := NewVersion(time.Date(2024, 1, 2, 3, 4, 6, 0, time.UTC))
	assert.Equal(t, "20240102T030405.000Z", v1)
	assert.Less(t, v1, v2)
}

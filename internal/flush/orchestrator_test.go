package flush

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storage-engine/internal/manifest"
	"storage-engine/internal/memtable"
	"storage-engine/internal/record"
	"storage-engine/internal/sstable"
	"storage-engine/internal/storage/block"
	"storage-engine/internal/tuid"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, block.Storage) {
	t.Helper()
	storage, err := block.NewLocalFS(block.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	writer := sstable.NewWriter(storage, sstable.DefaultThresholds(), nil)
	man := manifest.New(storage, nil)
	o := New(t.TempDir(), writer, man, nil, 8, 2)
	return o, storage
}

func TestRotateEnqueuesAndPushes(t *testing.T) {
	o, storage := newTestOrchestrator(t)
	o.Start()
	defer o.Stop()

	mt, err := o.Active()
	require.NoError(t, err)

	id := tuid.Now(tuid.RANDOM)
	require.NoError(t, mt.Insert("orders", record.NewEvent(id, map[string]interface{}{"amount": 42})))

	sealedID, err := o.Rotate()
	require.NoError(t, err)
	require.Equal(t, mt.ID, sealedID)

	// A fresh Active memtable should be handed out on next call.
	mt2, err := o.Active()
	require.NoError(t, err)
	require.NotEqual(t, mt.ID, mt2.ID)

	o.Stop()

	ctx := context.Background()
	exists, err := storage.Exists(ctx, sstable.PayloadKey("orders", id.String()))
	require.NoError(t, err)
	require.True(t, exists)
}

func TestRotateWithNoActiveMemtableIsNoop(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	id, err := o.Rotate()
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestRecoverRequeuesSurvivingMemtables(t *testing.T) {
	scratchDir := t.TempDir()
	storage, err := block.NewLocalFS(block.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	writer := sstable.NewWriter(storage, sstable.DefaultThresholds(), nil)
	man := manifest.New(storage, nil)

	mt, err := memtable.Open(scratchDir, memtable.IDFor(time.Now()))
	require.NoError(t, err)
	id := tuid.Now(tuid.RANDOM)
	require.NoError(t, mt.Insert("orders", record.NewEvent(id, nil)))
	require.NoError(t, mt.Close())

	o := New(scratchDir, writer, man, nil, 8, 2)
	o.Start()
	defer o.Stop()

	n, err := o.Recover()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	o.Stop()

	ctx := context.Background()
	exists, err := storage.Exists(ctx, sstable.PayloadKey("orders", id.String()))
	require.NoError(t, err)
	require.True(t, exists)
}

type recordingPublisher struct {
	events []Event
}

func (p *recordingPublisher) Publish(ev Event) {
	p.events = append(p.events, ev)
}

func TestLifecycleEventsArePublished(t *testing.T) {
	storage, err := block.NewLocalFS(block.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	writer := sstable.NewWriter(storage, sstable.DefaultThresholds(), nil)
	man := manifest.New(storage, nil)
	pub := &recordingPublisher{}
	o := New(t.TempDir(), writer, man, pub, 8, 2)
	o.Start()
	defer o.Stop()

	mt, err := o.Active()
	require.NoError(t, err)
	require.NoError(t, mt.Insert("orders", record.NewEvent(tuid.Now(tuid.RANDOM), nil)))
	_, err = o.Rotate()
	require.NoError(t, err)

	o.Stop()

	var kinds []string
	for _, ev := range pub.events {
		kinds = append(kinds, ev.Kind)
	}
	require.Contains(t, kinds, "memtable_sealed")
	require.Contains(t, kinds, "push_started")
	require.Contains(t, kinds, "push_completed")
}

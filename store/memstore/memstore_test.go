package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/kabili207/camgate/store"
)

func TestStore_CaptureLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	dev, err := s.EnsureDevice(ctx, "AABBCCDDEEFF")
	if err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}
	again, _ := s.EnsureDevice(ctx, "AABBCCDDEEFF")
	if dev != again {
		t.Errorf("EnsureDevice not idempotent: %s vs %s", dev, again)
	}

	id, _ := s.UpsertCapture(ctx, store.CaptureMeta{DeviceID: dev, Name: "a.jpg"})
	if err := s.MarkCaptureStored(ctx, id, store.StoredCapture{StoragePath: "p"}); err != nil {
		t.Fatalf("MarkCaptureStored: %v", err)
	}
	c, _ := s.CaptureByName(dev, "a.jpg")
	if c.Status != store.CaptureStored || c.Stored.StoragePath != "p" {
		t.Errorf("unexpected capture: %+v", c)
	}

	id2, _ := s.UpsertCapture(ctx, store.CaptureMeta{DeviceID: dev, Name: "a.jpg"})
	if id2 != id {
		t.Error("upsert should reuse the record")
	}
	if c, _ := s.Capture(id); c.Status != store.CaptureAssembling {
		t.Errorf("Status after upsert = %q", c.Status)
	}

	if err := s.MarkCaptureFailed(ctx, "nope", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestStore_Failures(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	s.SetFailures(Failures{UpsertCapture: boom})

	if _, err := s.UpsertCapture(context.Background(), store.CaptureMeta{}); !errors.Is(err, boom) {
		t.Errorf("error = %v, want injected failure", err)
	}
}

func TestStore_CommandQueue(t *testing.T) {
	s := New()
	ctx := context.Background()

	id1, _ := s.EnqueueCommand(ctx, "A", "capture_image", nil)
	id2, _ := s.EnqueueCommand(ctx, "B", "send_image", nil)

	cmds, _ := s.QueuedCommands(ctx, 1)
	if len(cmds) != 1 || cmds[0].ID != id1 {
		t.Fatalf("QueuedCommands(1) = %+v", cmds)
	}

	s.MarkCommandSent(ctx, id1, cmds[0].CreatedAt)
	cmds, _ = s.QueuedCommands(ctx, 0)
	if len(cmds) != 1 || cmds[0].ID != id2 || cmds[0].HardwareID != "B" {
		t.Errorf("QueuedCommands = %+v", cmds)
	}
}

func TestObjects_Put(t *testing.T) {
	o := NewObjects()
	ctx := context.Background()
	data := []byte{1, 2}

	if err := o.Put(ctx, "x", data, store.ContentTypeJPEG); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data[0] = 9
	obj, ok := o.Get("x")
	if !ok || obj.Data[0] != 1 || obj.ContentType != store.ContentTypeJPEG {
		t.Errorf("Get = %+v, %v", obj, ok)
	}

	boom := errors.New("boom")
	o.SetFailure(boom)
	if err := o.Put(ctx, "y", nil, ""); !errors.Is(err, boom) {
		t.Errorf("Put error = %v", err)
	}
	if o.Puts() != 1 {
		t.Errorf("Puts = %d, want 1", o.Puts())
	}
}

package compute

import (
	"context"
	"testing"

	"github.com/telemyapp/emulab-control-plane/internal/model"
)

func TestFakeProvider_BootsAfterPolls(t *testing.T) {
	f := NewFakeProvider()
	f.BootPolls = 2
	ctx := context.Background()

	view, err := f.CreateInstance(ctx, ImageSpec{SessionID: "ses_1", ImageID: "ami-1"})
	if err != nil {
		t.Fatalf("CreateInstance returned err: %v", err)
	}
	if view.LifecycleState != model.InstancePending {
		t.Fatalf("expected pending, got %s", view.LifecycleState)
	}
	first, _ := f.DescribeInstance(ctx, view.ID)
	second, _ := f.DescribeInstance(ctx, view.ID)
	if first.LifecycleState != model.InstancePending || second.LifecycleState != model.InstanceRunning {
		t.Fatalf("unexpected boot sequence: %s then %s", first.LifecycleState, second.LifecycleState)
	}
	if err := f.TerminateInstance(ctx, view.ID); err != nil {
		t.Fatalf("TerminateInstance returned err: %v", err)
	}
	if err := f.TerminateInstance(ctx, "i-unknown"); err != nil {
		t.Fatalf("TerminateInstance on unknown returned err: %v", err)
	}
	got, _ := f.DescribeInstances(ctx, []string{view.ID, "i-unknown"})
	if len(got) != 1 || got[view.ID].LifecycleState != model.InstanceTerminated {
		t.Fatalf("unexpected views: %+v", got)
	}
}

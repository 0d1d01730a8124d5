package compute

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/telemyapp/emulab-control-plane/internal/model"
)

// FakeProvider keeps instances in memory. New instances report pending
// until Describe has been called BootPolls times.
type FakeProvider struct {
	mu        sync.Mutex
	BootPolls int
	instances map[string]*fakeInstance
	seq       int
}

type fakeInstance struct {
	view  model.InstanceView
	polls int
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{BootPolls: 1, instances: map[string]*fakeInstance{}}
}

func (f *FakeProvider) CreateInstance(_ context.Context, spec ImageSpec) (model.InstanceView, error) {
	ipTail, err := randomUint8()
	if err != nil {
		return model.InstanceView{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	instanceType := spec.InstanceType
	if instanceType == "" {
		instanceType = "c5.xlarge"
	}
	ip := fmt.Sprintf("203.0.113.%d", 10+int(ipTail)%200)
	view := model.InstanceView{
		ID:             fmt.Sprintf("i-fake-%04d", f.seq),
		Type:           instanceType,
		LifecycleState: model.InstancePending,
		IPAddress:      ip,
		PublicAddress:  "ec2-" + ip + ".compute.example.internal",
	}
	f.instances[view.ID] = &fakeInstance{view: view}
	return view, nil
}

func (f *FakeProvider) DescribeInstance(_ context.Context, id string) (model.InstanceView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return model.InstanceView{}, ErrInstanceNotFound
	}
	f.advance(inst)
	return inst.view, nil
}

func (f *FakeProvider) DescribeInstances(_ context.Context, ids []string) (map[string]model.InstanceView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]model.InstanceView, len(ids))
	for _, id := range ids {
		if inst, ok := f.instances[id]; ok {
			f.advance(inst)
			out[id] = inst.view
		}
	}
	return out, nil
}

func (f *FakeProvider) TerminateInstance(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[id]; ok {
		inst.view.LifecycleState = model.InstanceTerminated
	}
	return nil
}

func (f *FakeProvider) advance(inst *fakeInstance) {
	if inst.view.LifecycleState != model.InstancePending {
		return
	}
	inst.polls++
	if inst.polls >= f.BootPolls {
		inst.view.LifecycleState = model.InstanceRunning
	}
}

func randomUint8() (byte, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

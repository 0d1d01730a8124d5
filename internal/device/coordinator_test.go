package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/telemyapp/emulab-control-plane/internal/agent"
	"github.com/telemyapp/emulab-control-plane/internal/blob"
	"github.com/telemyapp/emulab-control-plane/internal/model"
	"github.com/telemyapp/emulab-control-plane/internal/store"
)

type fakeAgent struct {
	mu       sync.Mutex
	calls    []string
	shellFn  func(cmd string) ([]agent.ShellResult, error)
	kioskFn  func(enabled bool) error
	files    map[string]string
	fileErrs map[string]error
}

func (f *fakeAgent) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeAgent) Shell(_ context.Context, _ agent.Target, commands ...string) ([]agent.ShellResult, error) {
	cmd := strings.Join(commands, ";")
	f.record("shell:" + cmd)
	if f.shellFn != nil {
		return f.shellFn(cmd)
	}
	return []agent.ShellResult{{}}, nil
}

func (f *fakeAgent) SetOrientation(_ context.Context, _ agent.Target, o agent.Orientation) error {
	f.record(fmt.Sprintf("orientation:%d", o))
	return nil
}

func (f *fakeAgent) SetKiosk(_ context.Context, _ agent.Target, enabled bool) error {
	f.record(fmt.Sprintf("kiosk:%t", enabled))
	if f.kioskFn != nil {
		return f.kioskFn(enabled)
	}
	return nil
}

func (f *fakeAgent) SetBaseband(_ context.Context, _ agent.Target, enabled bool) error {
	f.record(fmt.Sprintf("baseband:%t", enabled))
	return nil
}

func (f *fakeAgent) ConfigureCertificate(context.Context, agent.Target, string) error {
	return nil
}

func (f *fakeAgent) DownloadFile(_ context.Context, _ agent.Target, devicePath string, queryForm bool, w io.Writer) (int64, error) {
	f.record(fmt.Sprintf("download:%s:%t", devicePath, queryForm))
	if err := f.fileErrs[devicePath]; err != nil {
		return 0, err
	}
	n, err := io.WriteString(w, f.files[devicePath])
	return int64(n), err
}

func (f *fakeAgent) shellCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, "shell:") {
			out = append(out, strings.TrimPrefix(c, "shell:"))
		}
	}
	return out
}

type fixture struct {
	agent *fakeAgent
	coll  store.Collections
	blob  *blob.MemoryStore
	coord *Coordinator
	sess  model.Session
	temp  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	fa := &fakeAgent{files: map[string]string{}, fileErrs: map[string]error{}}
	coll := store.NewMemory()
	bs := blob.NewMemoryStore()
	temp := t.TempDir()
	coord := New(Options{
		Agent:        fa,
		Images:       coll.Images,
		Applications: coll.Applications,
		Recordings:   coll.Recordings,
		Blob:         bs,
		Bucket:       "emulab-recordings",
		Logger:       logger,
		TempDir:      temp,
		Sleep:        func(context.Context, time.Duration) error { return nil },
	})
	sess := model.Session{
		ID:             "ses_1",
		CatalogImageID: "img-2019",
		State:          model.SessionActive,
		Instance:       &model.InstanceView{ID: "i-1", LifecycleState: model.InstanceRunning},
		TLSBound:       true,
		BoundAddress:   "ses_1.sessions.emulab.dev",
	}
	return &fixture{agent: fa, coll: coll, blob: bs, coord: coord, sess: sess, temp: temp}
}

func TestSetNetworkAccess_RevokesWhenToggleFails(t *testing.T) {
	f := newFixture(t)
	f.agent.shellFn = func(cmd string) ([]agent.ShellResult, error) {
		if cmd == "svc wifi disable" {
			return nil, agent.ErrUnreachable
		}
		return []agent.ShellResult{{}}, nil
	}

	err := f.coord.SetNetworkAccess(context.Background(), f.sess, false)
	if err == nil {
		t.Fatal("expected error when every wifi toggle fails")
	}
	calls := f.agent.shellCalls()
	if calls[0] != "setprop persist.sys.root_access 3" {
		t.Fatalf("expected elevation first, got %v", calls)
	}
	if calls[len(calls)-1] != "setprop persist.sys.root_access 0" {
		t.Fatalf("expected revocation last, got %v", calls)
	}
	data, wifi := 0, 0
	for _, c := range calls {
		switch c {
		case "svc data disable":
			data++
		case "svc wifi disable":
			wifi++
		}
	}
	if data != 3 || wifi != 3 {
		t.Fatalf("expected 3 toggles each, got data=%d wifi=%d", data, wifi)
	}
}

func TestSetNetworkAccess_RevokesWhenElevationFailsOrContextDone(t *testing.T) {
	f := newFixture(t)
	f.agent.shellFn = func(cmd string) ([]agent.ShellResult, error) {
		if strings.HasSuffix(cmd, "root_access 3") {
			return []agent.ShellResult{{ReturnCode: 1, Stderr: "denied"}}, nil
		}
		return []agent.ShellResult{{}}, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.coord.SetNetworkAccess(ctx, f.sess, true); err == nil {
		t.Fatal("expected elevation error")
	}
	calls := f.agent.shellCalls()
	if len(calls) != 2 || calls[1] != "setprop persist.sys.root_access 0" {
		t.Fatalf("expected elevate then revoke only, got %v", calls)
	}
}

func TestSetNetworkAccess_SingleFlakyToggleIsAbsorbed(t *testing.T) {
	f := newFixture(t)
	failed := false
	f.agent.shellFn = func(cmd string) ([]agent.ShellResult, error) {
		if cmd == "svc data enable" && !failed {
			failed = true
			return nil, agent.ErrUnreachable
		}
		return []agent.ShellResult{{}}, nil
	}
	if err := f.coord.SetNetworkAccess(context.Background(), f.sess, true); err != nil {
		t.Fatalf("SetNetworkAccess returned err: %v", err)
	}
}

func TestStartGame_OrderAndAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.coord.StartGame(ctx, f.sess, "app_missing", StartOptions{}); !errors.Is(err, ErrApplicationNotFound) {
		t.Fatalf("expected ErrApplicationNotFound, got %v", err)
	}
	if len(f.agent.calls) != 0 {
		t.Fatalf("expected no agent calls, got %v", f.agent.calls)
	}

	app := model.Application{ID: "app_1", PackageName: "com.example.game", Orientation: model.OrientationHorizontal, NetworkEnabled: false, CatalogImageID: "img-2019"}
	if err := f.coll.Applications.Put(ctx, app); err != nil {
		t.Fatalf("Put returned err: %v", err)
	}
	noAddr := f.sess
	noAddr.BoundAddress = ""
	if _, err := f.coord.StartGame(ctx, noAddr, "app_1", StartOptions{}); !errors.Is(err, ErrNoAddress) {
		t.Fatalf("expected ErrNoAddress, got %v", err)
	}

	f.agent.kioskFn = func(bool) error { return agent.ErrUnreachable }
	report, err := f.coord.StartGame(ctx, f.sess, "app_1", StartOptions{VirtualKeyboard: true})
	if err != nil {
		t.Fatalf("StartGame returned err: %v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0].Step != "kiosk" {
		t.Fatalf("expected only kiosk to fail, got %+v", report.Failed)
	}

	var order []string
	for _, c := range f.agent.calls {
		switch {
		case strings.HasPrefix(c, "orientation:"):
			order = append(order, "orientation")
		case strings.Contains(c, "show_ime_with_hard_keyboard 1"):
			order = append(order, "keyboard")
		case c == "shell:svc data disable":
			if len(order) == 0 || order[len(order)-1] != "network" {
				order = append(order, "network")
			}
		case strings.Contains(c, "monkey -p com.example.game"):
			order = append(order, "launch")
		case strings.HasPrefix(c, "kiosk:"):
			order = append(order, "kiosk")
		case strings.Contains(c, "screenrecord --time-limit 180"):
			order = append(order, "record")
		}
	}
	want := "orientation,keyboard,network,launch,kiosk,record"
	if strings.Join(order, ",") != want {
		t.Fatalf("unexpected order %v, want %s", order, want)
	}
	if f.agent.calls[0] != "orientation:90" {
		t.Fatalf("expected horizontal orientation, got %s", f.agent.calls[0])
	}
}

func TestStopGame_ContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	f.agent.shellFn = func(cmd string) ([]agent.ShellResult, error) {
		if strings.HasPrefix(cmd, "pm list packages") {
			return nil, agent.ErrUnreachable
		}
		return []agent.ShellResult{{}}, nil
	}
	report, err := f.coord.StopGame(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("StopGame returned err: %v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0].Step != "force_stop_apps" {
		t.Fatalf("unexpected report: %+v", report)
	}
	calls := f.agent.calls
	if calls[0] != "shell:touch /sdcard/recordings/.stop" || calls[len(calls)-1] != "orientation:0" {
		t.Fatalf("unexpected call sequence: %v", calls)
	}
}

func TestStopRecording_ClearsFlagAfterInterrupt(t *testing.T) {
	f := newFixture(t)
	f.agent.shellFn = func(cmd string) ([]agent.ShellResult, error) {
		if strings.HasPrefix(cmd, "pkill") {
			return []agent.ShellResult{{ReturnCode: 1}}, nil
		}
		return []agent.ShellResult{{}}, nil
	}
	if err := f.coord.StopRecording(context.Background(), f.sess); err != nil {
		t.Fatalf("StopRecording returned err: %v", err)
	}
	want := []string{"touch /sdcard/recordings/.stop", "pkill -INT screenrecord", "rm -f /sdcard/recordings/.stop"}
	if fmt.Sprint(f.agent.shellCalls()) != fmt.Sprint(want) {
		t.Fatalf("got %v want %v", f.agent.shellCalls(), want)
	}
}

func TestUploadRecordings_OneRecordPerSegment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.coll.Images.Put(ctx, model.CatalogImage{ID: "img-2019", AndroidVersion: "9.0"}); err != nil {
		t.Fatalf("Put returned err: %v", err)
	}
	names := []string{
		"recording_app_1_rec1_0.mp4",
		"recording_app_1_rec1_1.mp4",
		"recording_app2_rec2_0.mp4",
	}
	for i, n := range names {
		f.agent.files["/sdcard/recordings/"+n] = strings.Repeat("x", 10*(i+1))
	}
	f.agent.shellFn = func(cmd string) ([]agent.ShellResult, error) {
		if cmd == "ls /sdcard/recordings/" {
			return []agent.ShellResult{{Stdout: strings.Join(names, "\n") + "\n.stop\nnotes.txt\n"}}, nil
		}
		return []agent.ShellResult{{}}, nil
	}

	n, err := f.coord.UploadRecordings(ctx, f.sess)
	if err != nil {
		t.Fatalf("UploadRecordings returned err: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 uploads, got %d", n)
	}
	recs, _ := f.coll.Recordings.QueryByIndex(ctx, store.IndexSessionID, "ses_1")
	if len(recs) != 3 {
		t.Fatalf("expected 3 recordings, got %d", len(recs))
	}
	for _, r := range recs {
		if r.SizeBytes == nil || *r.SizeBytes == 0 {
			t.Fatalf("recording %s has no size", r.ID)
		}
		if _, ok := f.blob.Object("emulab-recordings", r.StoragePath); !ok {
			t.Fatalf("recording %s missing from blob store", r.ID)
		}
	}
	entries, err := os.ReadDir(f.temp)
	if err != nil {
		t.Fatalf("ReadDir returned err: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no temp files, found %d", len(entries))
	}
	for _, c := range f.agent.calls {
		if strings.HasPrefix(c, "download:") && !strings.HasSuffix(c, ":false") {
			t.Fatalf("android 9 should use the path form: %s", c)
		}
	}

	again, err := f.coord.UploadRecordings(ctx, f.sess)
	if err != nil || again != 0 {
		t.Fatalf("expected repeat upload to skip, got n=%d err=%v", again, err)
	}
	recs, _ = f.coll.Recordings.QueryByIndex(ctx, store.IndexSessionID, "ses_1")
	if len(recs) != 3 {
		t.Fatalf("expected no duplicate recordings, got %d", len(recs))
	}
}

func TestUploadRecordings_BadFileDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent.files["/sdcard/recordings/recording_a_r1_0.mp4"] = "good"
	f.agent.fileErrs["/sdcard/recordings/recording_a_r1_1.mp4"] = agent.ErrUnreachable
	f.agent.files["/sdcard/recordings/recording_a_r1_2.mp4"] = "good"
	f.agent.shellFn = func(cmd string) ([]agent.ShellResult, error) {
		return []agent.ShellResult{{Stdout: "recording_a_r1_0.mp4\nrecording_a_r1_1.mp4\nrecording_a_r1_2.mp4\n"}}, nil
	}
	n, err := f.coord.UploadRecordings(ctx, f.sess)
	if err != nil {
		t.Fatalf("UploadRecordings returned err: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 uploads, got %d", n)
	}
	entries, _ := os.ReadDir(f.temp)
	if len(entries) != 0 {
		t.Fatalf("expected no temp files, found %d", len(entries))
	}
}

func TestParseSegment(t *testing.T) {
	tests := []struct {
		name string
		want Segment
		ok   bool
	}{
		{name: "recording_app1_rec1_0.mp4", want: Segment{ApplicationID: "app1", RecordingID: "rec1", Part: 0}, ok: true},
		{name: "/sdcard/recordings/recording_my_app_0192-ab_12.mp4", want: Segment{ApplicationID: "my_app", RecordingID: "0192-ab", Part: 12}, ok: true},
		{name: "recording_app1_rec1.mp4"},
		{name: "recording_app1_rec1_x.mp4"},
		{name: "video_app1_rec1_0.mp4"},
		{name: ".stop"},
	}
	for _, tt := range tests {
		got, ok := ParseSegment(tt.name)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("ParseSegment(%q) = %+v, %v; want %+v, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
	seg := Segment{ApplicationID: "app1", RecordingID: "rec1", Part: 3}
	if back, ok := ParseSegment(seg.FileName()); !ok || back != seg {
		t.Fatalf("FileName did not parse back: %+v", back)
	}
}

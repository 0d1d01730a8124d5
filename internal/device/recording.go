package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/telemyapp/emulab-control-plane/internal/agent"
	"github.com/telemyapp/emulab-control-plane/internal/blob"
	"github.com/telemyapp/emulab-control-plane/internal/metrics"
	"github.com/telemyapp/emulab-control-plane/internal/model"
	"github.com/telemyapp/emulab-control-plane/internal/store"
)

const (
	recordingsDir = "/sdcard/recordings"
	stopFlag      = recordingsDir + "/.stop"
	// screenrecord refuses longer single invocations.
	segmentSeconds = 180
)

// Segment is one recorder output file on the device.
type Segment struct {
	ApplicationID string
	RecordingID   string
	Part          int
}

func (s Segment) FileName() string {
	return fmt.Sprintf("recording_%s_%s_%d.mp4", s.ApplicationID, s.RecordingID, s.Part)
}

// StoredID is the Recording id for this segment. It is stable so a
// repeated upload finds the record it created before.
func (s Segment) StoredID() string {
	return fmt.Sprintf("%s-%d", s.RecordingID, s.Part)
}

// ParseSegment reverses FileName. Application ids may contain
// underscores, recording ids may not.
func ParseSegment(name string) (Segment, bool) {
	name = path.Base(name)
	if !strings.HasPrefix(name, "recording_") || !strings.HasSuffix(name, ".mp4") {
		return Segment{}, false
	}
	core := strings.TrimSuffix(strings.TrimPrefix(name, "recording_"), ".mp4")
	i := strings.LastIndex(core, "_")
	if i <= 0 {
		return Segment{}, false
	}
	part, err := strconv.Atoi(core[i+1:])
	if err != nil || part < 0 {
		return Segment{}, false
	}
	rest := core[:i]
	j := strings.LastIndex(rest, "_")
	if j <= 0 || j == len(rest)-1 {
		return Segment{}, false
	}
	return Segment{ApplicationID: rest[:j], RecordingID: rest[j+1:], Part: part}, true
}

// recordLoop chains fixed-length recorder runs until the stop flag shows up.
func recordLoop(applicationID, recordingID string) string {
	prefix := fmt.Sprintf("%s/recording_%s_%s_", recordingsDir, applicationID, recordingID)
	return fmt.Sprintf(
		"mkdir -p %s && (part=0; while [ ! -f %s ]; do screenrecord --time-limit %d %s${part}.mp4; part=$((part+1)); done) > /dev/null 2>&1 &",
		recordingsDir, stopFlag, segmentSeconds, prefix,
	)
}

// StartRecording launches the device-side segment loop and returns the
// recording id its files carry.
func (c *Coordinator) StartRecording(ctx context.Context, sess model.Session, applicationID string) (string, error) {
	t, err := targetOf(sess)
	if err != nil {
		return "", err
	}
	recordingID := model.NewID()
	if err := c.shell(ctx, t, recordLoop(applicationID, recordingID)); err != nil {
		return "", fmt.Errorf("start recording: %w", err)
	}
	c.logger(sess).WithFields(logrus.Fields{"application_id": applicationID, "recording_id": recordingID}).Info("event=recording_started")
	return recordingID, nil
}

// StopRecording raises the stop flag, interrupts the running segment and
// clears the flag again so the next StartRecording is not blocked.
func (c *Coordinator) StopRecording(ctx context.Context, sess model.Session) error {
	t, err := targetOf(sess)
	if err != nil {
		return err
	}
	var errs []error
	if err := c.shell(ctx, t, "touch "+stopFlag); err != nil {
		errs = append(errs, fmt.Errorf("raise stop flag: %w", err))
	}
	// pkill exits 1 when nothing is recording.
	if _, err := c.agent.Shell(ctx, t, "pkill -INT screenrecord"); err != nil {
		errs = append(errs, fmt.Errorf("interrupt recorder: %w", err))
	}
	if err := c.sleep(ctx, c.stopSettle); err != nil {
		errs = append(errs, err)
	}
	if err := c.shell(context.WithoutCancel(ctx), t, "rm -f "+stopFlag); err != nil {
		errs = append(errs, fmt.Errorf("clear stop flag: %w", err))
	}
	return errors.Join(errs...)
}

// ListSegments returns the recorder files present on the device.
func (c *Coordinator) ListSegments(ctx context.Context, sess model.Session) ([]Segment, error) {
	t, err := targetOf(sess)
	if err != nil {
		return nil, err
	}
	results, err := c.agent.Shell(ctx, t, "ls "+recordingsDir+"/")
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	var out []Segment
	for _, r := range results {
		for _, line := range strings.Split(r.Stdout, "\n") {
			if seg, ok := ParseSegment(strings.TrimSpace(line)); ok {
				out = append(out, seg)
			}
		}
	}
	return out, nil
}

// UploadRecordings moves every segment on the device into the blob store
// and records it. A failing segment is logged and skipped. It returns the
// number of segments stored.
func (c *Coordinator) UploadRecordings(ctx context.Context, sess model.Session) (int, error) {
	t, err := targetOf(sess)
	if err != nil {
		return 0, err
	}
	segments, err := c.ListSegments(ctx, sess)
	if err != nil {
		return 0, err
	}
	log := c.logger(sess)
	if len(segments) == 0 {
		log.Info("event=no_recordings")
		return 0, nil
	}

	queryForm := true
	if img, err := c.images.GetByID(ctx, sess.CatalogImageID); err == nil {
		queryForm = agent.UsesQueryFileForm(img.AndroidVersion)
	} else {
		log.WithField("err", err).Warn("event=catalog_image_lookup_failed")
	}

	uploaded := 0
	for _, seg := range segments {
		segLog := log.WithFields(logrus.Fields{"recording_id": seg.StoredID(), "file": seg.FileName()})
		err := c.uploadSegment(ctx, t, sess, seg, queryForm)
		switch {
		case errors.Is(err, errAlreadyUploaded):
			segLog.Info("event=recording_already_uploaded")
			metrics.Default().IncCounter("emulab_recordings_uploaded_total", map[string]string{"status": "skipped"})
		case err != nil:
			segLog.WithField("err", err).Error("event=recording_upload_failed")
			metrics.Default().IncCounter("emulab_recordings_uploaded_total", map[string]string{"status": "error"})
		default:
			uploaded++
			metrics.Default().IncCounter("emulab_recordings_uploaded_total", map[string]string{"status": "ok"})
		}
	}
	log.WithFields(logrus.Fields{"uploaded": uploaded, "found": len(segments)}).Info("event=recordings_uploaded")
	return uploaded, nil
}

var errAlreadyUploaded = errors.New("already uploaded")

func (c *Coordinator) uploadSegment(ctx context.Context, t agent.Target, sess model.Session, seg Segment, queryForm bool) error {
	id := seg.StoredID()
	if existing, err := c.recordings.GetByID(ctx, id); err == nil && existing.SizeBytes != nil {
		return errAlreadyUploaded
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	rec := model.Recording{
		ID:            id,
		SessionID:     sess.ID,
		ApplicationID: seg.ApplicationID,
		StoragePath:   blob.RecordingKey(sess.ID, id),
		CapturedAt:    c.now(),
	}
	if err := c.recordings.Put(ctx, rec); err != nil {
		return fmt.Errorf("create recording: %w", err)
	}

	tmp, err := os.CreateTemp(c.tempDir, "recording-*.mp4")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	size, err := c.agent.DownloadFile(ctx, t, recordingsDir+"/"+seg.FileName(), queryForm, tmp)
	if err != nil {
		return fmt.Errorf("pull from device: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := c.blob.PutObject(ctx, c.bucket, rec.StoragePath, tmp, size); err != nil {
		return err
	}
	return c.recordings.UpdateFields(ctx, id, store.Fields{"size_bytes": size})
}

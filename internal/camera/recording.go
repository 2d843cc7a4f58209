package camera

import "fmt"

// startRecording swaps the preview session for a record session. It runs on
// the slot's looper. The sequence is fixed: close the preview session,
// prepare the sink, request the record session, and start the sink only
// from the configured callback.
func (s *Slot) startRecording() error {
	if s.state != PreviewActive {
		return slotErr(s.id, "start recording", fmt.Errorf("%w: %s", ErrInvalidState, s.state))
	}

	s.leaveSession(Open, nil)

	path, rec, surface, err := s.prepareRecorder()
	if err != nil {
		failure := slotErr(s.id, "start recording", wrapAs(ErrRecorderPrepareFailed, err))
		s.log.Error().Err(failure).Msg("Recorder prepare failed, restoring preview")
		s.buildPreview()
		return failure
	}

	targets := []Surface{surface}
	if preview := s.preview.Surface(); preview != nil {
		targets = []Surface{preview, surface}
	}
	err = s.startSession(PurposeRecord, targets, func() {
		s.recorder = rec
		s.recorderSurface = surface
		s.recordingPath = path
	})
	if err != nil {
		return slotErr(s.id, "start recording", wrapAs(ErrSessionConfigureFailed, err))
	}
	s.log.Info().Str("path", path).Str("size", s.videoSize.String()).Msg("Record session requested")
	return nil
}

func (s *Slot) prepareRecorder() (string, Recorder, Surface, error) {
	path, err := s.paths(s.id, s.deviceID)
	if err != nil {
		return "", nil, nil, fmt.Errorf("output path: %w", err)
	}

	rec := s.newRecorder(s.id)
	surface, err := rec.Prepare(RecorderConfig{
		Path:      path,
		Size:      s.videoSize,
		Bitrate:   s.recording.Bitrate,
		Codec:     s.recording.Codec,
		Container: s.recording.Container,
		FrameRate: s.recording.FrameRate,
	})
	if err != nil {
		if rerr := rec.Release(); rerr != nil {
			s.log.Warn().Err(rerr).Msg("Failed to release recorder after prepare error")
		}
		return "", nil, nil, err
	}
	if surface == nil {
		if rerr := rec.Release(); rerr != nil {
			s.log.Warn().Err(rerr).Msg("Failed to release recorder without a surface")
		}
		return "", nil, nil, fmt.Errorf("recorder returned no input surface")
	}
	return path, rec, surface, nil
}

// stopRecording finalizes the recording and rebuilds the preview session.
// A record session still being configured is abandoned instead.
func (s *Slot) stopRecording() error {
	switch s.state {
	case Recording:
	case RecordPending:
		s.cancelRecording()
		return nil
	default:
		return slotErr(s.id, "stop recording", fmt.Errorf("%w: %s", ErrInvalidState, s.state))
	}

	err := s.finishRecording(s.recordingPath)
	s.leaveSession(Open, nil)
	s.buildPreview()
	return err
}

// finishRecording stops and releases the sink and reports the outcome.
func (s *Slot) finishRecording(path string) error {
	stopErr := s.recorder.Stop()
	s.releaseRecorder()
	return s.reportStop(path, stopErr)
}

func (s *Slot) reportStop(path string, stopErr error) error {
	if stopErr != nil {
		failure := slotErr(s.id, "stop recording", wrapAs(ErrRecorderStopFailed, stopErr))
		s.log.Error().Err(failure).Str("path", path).Msg("Recorder failed to stop")
		s.emit(EventRecorderFailed, path, failure)
		return failure
	}
	s.log.Info().Str("path", path).Msg("Video saved")
	s.emit(EventRecordingSaved, path, nil)
	return nil
}

func (s *Slot) cancelRecording() {
	path := s.recordingPath
	// the in-flight record session is closed when its callback arrives
	s.mu.Lock()
	s.ticket++
	s.mu.Unlock()
	s.releaseRecorder()
	s.setState(Open)
	s.log.Info().Str("path", path).Msg("Record session abandoned before it was configured")
	s.emit(EventRecordingCancelled, path, nil)
	s.buildPreview()
}

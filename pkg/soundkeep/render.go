package soundkeep

import (
	"errors"
	"fmt"
	"time"
)

// stalledWaits is how many consecutive timed out waits make a stream count as stalled
const stalledWaits = 20

var errStreamStalled = errors.New("stream stopped asking for data")

// renderSilence keeps the stream's buffer topped up with zeroed frames until stop is closed.
// Zero is silence for both float and integer PCM, so the format only matters for the frame size.
// A failing stream gets a single retry; a second consecutive failure ends the loop with that error.
// A stream that stays silent for stalledWaits timeouts in a row fails too
func renderSilence(stream RenderStream, stop <-chan struct{}, waitTimeout time.Duration) error {
	retried := false
	timeouts := 0

	fail := func(err error) error {
		if retried {
			return err
		}

		retried = true
		return nil
	}

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		ready, err := stream.WaitReady(waitTimeout)
		if err != nil {
			return fmt.Errorf("wait for buffer: %w", err)
		}
		if !ready {
			timeouts++
			if timeouts >= stalledWaits {
				return fmt.Errorf("no buffer ready within %s: %w", time.Duration(timeouts)*waitTimeout, errStreamStalled)
			}
			continue
		}

		timeouts = 0

		frames, err := stream.AvailableFrames()
		if err != nil {
			if err := fail(fmt.Errorf("get available frames: %w", err)); err != nil {
				return err
			}
			continue
		}
		if frames == 0 {
			continue
		}

		data, err := stream.Buffer(frames)
		if err != nil {
			if err := fail(fmt.Errorf("get buffer of %d frames: %w", frames, err)); err != nil {
				return err
			}
			continue
		}

		clear(data)

		if err := stream.Commit(frames); err != nil {
			if err := fail(fmt.Errorf("commit %d frames: %w", frames, err)); err != nil {
				return err
			}
			continue
		}

		retried = false
	}
}

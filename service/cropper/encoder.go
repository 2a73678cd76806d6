// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package cropper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	rtpReadMTU         = 1500
	encoderPayloadType = 96
	encoderMTU         = 1200
	// One keyframe per second at the capped frame rate. PLI requests from
	// the receiving peer are absorbed by the short GOP rather than forcing
	// a keyframe out of band.
	encoderKeyIntMax = 30
)

// encoder feeds raw BGR frames to an external GStreamer H264 pipeline and
// forwards the resulting RTP packets onto a local track. The pipeline
// writes RTP to a loopback UDP socket owned by the encoder.
type encoder struct {
	log     mlog.LoggerIFace
	metrics Metrics
	track   *webrtc.TrackLocalStaticRTP

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	rtpConn net.PacketConn
	cancel  context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newEncoder(log mlog.LoggerIFace, metrics Metrics, track *webrtc.TrackLocalStaticRTP, width, height, fps, bitrateKbps int) (*encoder, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame dimensions %dx%d", width, height)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("invalid frame rate %d", fps)
	}

	rtpConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen on loopback udp: %w", err)
	}
	rtpPort := rtpConn.LocalAddr().(*net.UDPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, "gst-launch-1.0",
		"-q",
		"fdsrc", "fd=0", "do-timestamp=true",
		"!",
		"videoparse",
		"format=bgr",
		fmt.Sprintf("width=%d", width),
		fmt.Sprintf("height=%d", height),
		fmt.Sprintf("framerate=%d/1", fps),
		"!",
		"videoconvert",
		"!",
		"x264enc",
		"tune=zerolatency", "speed-preset=ultrafast",
		fmt.Sprintf("key-int-max=%d", encoderKeyIntMax),
		"bframes=0", "cabac=false",
		"byte-stream=true", "rc-lookahead=0", "aud=true", "ref=1",
		fmt.Sprintf("bitrate=%d", bitrateKbps),
		"!",
		"h264parse", "config-interval=1",
		"!",
		"rtph264pay", fmt.Sprintf("pt=%d", encoderPayloadType), "config-interval=1", fmt.Sprintf("mtu=%d", encoderMTU),
		"!",
		"udpsink", "host=127.0.0.1", "port="+strconv.Itoa(rtpPort),
		"sync=false", "async=false",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		_ = rtpConn.Close()
		return nil, fmt.Errorf("failed to get encoder stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		_ = rtpConn.Close()
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}

	e := &encoder{
		log:     log,
		metrics: metrics,
		track:   track,
		cmd:     cmd,
		stdin:   stdin,
		rtpConn: rtpConn,
		cancel:  cancel,
	}

	e.wg.Add(1)
	go e.forwardRTP()

	return e, nil
}

// writeFrame pushes one raw BGR frame into the pipeline.
func (e *encoder) writeFrame(data []byte) error {
	if _, err := e.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write frame to encoder: %w", err)
	}
	return nil
}

// forwardRTP reads the packetized stream off the loopback socket and writes
// it to the local track. It exits when the socket is closed.
func (e *encoder) forwardRTP() {
	defer e.wg.Done()

	buf := make([]byte, rtpReadMTU)
	var pkt rtp.Packet

	for {
		n, _, err := e.rtpConn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				e.log.Error("failed to read rtp packet from encoder", mlog.Err(err))
			}
			return
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			e.log.Error("failed to unmarshal rtp packet", mlog.Err(err))
			continue
		}

		if err := e.track.WriteRTP(&pkt); err != nil {
			if !errors.Is(err, io.ErrClosedPipe) {
				e.log.Error("failed to write rtp packet to track", mlog.Err(err))
			}
			continue
		}

		e.metrics.IncRTPPackets("out", "video")
		e.metrics.AddRTPPacketBytes("out", "video", n)
	}
}

func (e *encoder) close() {
	e.closeOnce.Do(func() {
		_ = e.stdin.Close()
		e.cancel()
		_ = e.cmd.Wait()
		_ = e.rtpConn.Close()
		e.wg.Wait()
	})
}

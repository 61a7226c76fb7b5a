package camera

import (
	"image"

	"gocv.io/x/gocv"

	"github.com/pagewatch/platform/internal/apperr"
)

// gocvDevice drives a V4L/AVFoundation camera through OpenCV.
// A single reusable Mat avoids a per-frame allocation.
type gocvDevice struct {
	cap   *gocv.VideoCapture
	frame gocv.Mat
}

func openDevice(cfg Config) (Device, error) {
	cap, err := gocv.VideoCaptureDevice(cfg.DeviceID)
	if err != nil {
		return nil, err
	}
	if !cap.IsOpened() {
		_ = cap.Close()
		return nil, apperr.Newf(apperr.CodeDeviceOpen, "device %d did not open", cfg.DeviceID)
	}

	if cfg.Width > 0 {
		cap.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	}
	if cfg.Height > 0 {
		cap.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}

	return &gocvDevice{cap: cap, frame: gocv.NewMat()}, nil
}

func (d *gocvDevice) Read() (image.Image, error) {
	if !d.cap.Read(&d.frame) {
		return nil, apperr.New(apperr.CodeDeviceRead, "frame read returned no data")
	}
	if d.frame.Empty() {
		return nil, apperr.New(apperr.CodeDeviceRead, "frame is empty")
	}
	return d.frame.ToImage()
}

func (d *gocvDevice) Close() error {
	_ = d.frame.Close()
	return d.cap.Close()
}

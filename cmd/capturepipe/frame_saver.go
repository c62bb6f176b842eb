package main

import (
	"fmt"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/buffer"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/imaging"
)

// FrameSaver writes the completed output ports of one stage to disk.
//
// RGBA ports are encoded as PNG or JPEG; JPEG ports are written as-is.
// Other formats are skipped. Safe for concurrent use.
type FrameSaver struct {
	outputDir   string
	format      string
	jpegQuality int
	stage       frame.StageID

	framesSaved   atomic.Uint64
	framesDropped atomic.Uint64
	portsSkipped  atomic.Uint64
}

// NewFrameSaver creates a frame saver for the outputs of stage.
//
// Format: "png" or "jpeg"
// JPEGQuality: 1-100 (only used for JPEG)
func NewFrameSaver(outputDir, format string, jpegQuality int, stage frame.StageID) (*FrameSaver, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if format != "png" && format != "jpeg" {
		return nil, fmt.Errorf("unsupported format: %s (must be png or jpeg)", format)
	}
	if jpegQuality < 1 || jpegQuality > 100 {
		return nil, fmt.Errorf("invalid JPEG quality %d (must be 1-100)", jpegQuality)
	}
	return &FrameSaver{
		outputDir:   outputDir,
		format:      format,
		jpegQuality: jpegQuality,
		stage:       stage,
	}, nil
}

// SaveFrame writes every completed output port of the saver's stage.
//
// Filename format: frame_{count:06d}_{stage}_p{port}.{ext}
// Example: frame_000042_MCSC_p1.png
func (fs *FrameSaver) SaveFrame(fr *capturepipe.Frame) error {
	info, ok := fr.Entity(fs.stage)
	if !ok {
		return nil
	}

	var saved bool
	for port, state := range info.Dst {
		if state != frame.BufferComplete {
			continue
		}
		p, err := fr.DstBuffer(fs.stage, port)
		if err != nil || p.Buffer == nil {
			continue
		}
		ok, err := fs.savePort(fr.Count(), info.Name, port, p.Buffer)
		if err != nil {
			fs.framesDropped.Add(1)
			return err
		}
		saved = saved || ok
	}
	if saved {
		fs.framesSaved.Add(1)
	}
	return nil
}

func (fs *FrameSaver) savePort(count uint64, stage string, port int, b *buffer.Buffer) (bool, error) {
	base := filepath.Join(fs.outputDir, fmt.Sprintf("frame_%06d_%s_p%d", count, stage, port))

	switch b.Format {
	case buffer.FormatJPEG:
		if err := os.WriteFile(base+".jpg", b.Bytes(), 0o644); err != nil {
			return false, fmt.Errorf("failed to write file: %w", err)
		}
		return true, nil

	case buffer.FormatRGBA:
		img, err := imaging.View(b)
		if err != nil {
			return false, fmt.Errorf("buffer %s: %w", b.Key, err)
		}
		file, err := os.Create(base + "." + fs.format)
		if err != nil {
			return false, fmt.Errorf("failed to create file: %w", err)
		}
		defer file.Close()

		switch fs.format {
		case "png":
			if err := png.Encode(file, img); err != nil {
				return false, fmt.Errorf("PNG encode failed: %w", err)
			}
		case "jpeg":
			if err := jpeg.Encode(file, img, &jpeg.Options{Quality: fs.jpegQuality}); err != nil {
				return false, fmt.Errorf("JPEG encode failed: %w", err)
			}
		}
		return true, nil

	default:
		fs.portsSkipped.Add(1)
		return false, nil
	}
}

// Stats returns current save statistics.
func (fs *FrameSaver) Stats() (saved, dropped, skipped uint64) {
	return fs.framesSaved.Load(), fs.framesDropped.Load(), fs.portsSkipped.Load()
}

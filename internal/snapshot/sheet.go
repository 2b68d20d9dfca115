package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	_ "image/jpeg"
	"log/slog"
	"time"

	"github.com/go-pdf/fpdf"
)

// Default camera DPI when the JPEG carries no JFIF density.
const sheetDPI = 96

// Height of the caption strip above each frame, in mm.
const captionMM = 8.0

// ContactSheetPDF embeds each entry's JPEG unchanged on its own page, sized
// to the frame, with the printer id and capture time as a caption. Entries
// whose data is not a decodable JPEG are skipped.
func ContactSheetPDF(entries []Entry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: nothing cached", ErrNoFrameAvailable)
	}

	pdf := fpdf.New("P", "mm", "", "")
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetFont("Helvetica", "", 9)

	pages := 0
	for i, e := range entries {
		cfg, format, err := image.DecodeConfig(bytes.NewReader(e.Data))
		if err != nil || format != "jpeg" {
			slog.Warn("contact sheet: skipping frame", "printer", e.PrinterID, "err", err, "format", format)
			continue
		}

		dpi := sheetDPI
		if d := jpegDPI(e.Data); d > 0 {
			dpi = d
		}
		widthMM := float64(cfg.Width) / float64(dpi) * 25.4
		heightMM := float64(cfg.Height) / float64(dpi) * 25.4

		pdf.AddPageFormat("P", fpdf.SizeType{Wd: widthMM, Ht: heightMM + captionMM})
		pdf.Text(2, captionMM-2.5, fmt.Sprintf("%s  %s", e.PrinterID, e.CapturedAt.Format(time.DateTime)))

		name := fmt.Sprintf("frame%d", i)
		pdf.RegisterImageOptionsReader(name, fpdf.ImageOptions{ImageType: "JPEG"}, bytes.NewReader(e.Data))
		pdf.ImageOptions(name, 0, captionMM, widthMM, heightMM, false, fpdf.ImageOptions{}, 0, "")
		pages++
	}
	if pages == 0 {
		return nil, fmt.Errorf("%w: no decodable frames", ErrNoFrameAvailable)
	}

	var out bytes.Buffer
	if err := pdf.Output(&out); err != nil {
		return nil, fmt.Errorf("generate PDF: %w", err)
	}
	return out.Bytes(), nil
}

// jpegDPI returns the horizontal density from a JFIF APP0 segment, or 0.
func jpegDPI(data []byte) int {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return 0
	}
	i := 2
	for i+4 < len(data) {
		if data[i] != 0xFF {
			break
		}
		marker := data[i+1]
		segLen := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if marker == 0xE0 && segLen >= 14 { // APP0 (JFIF)
			seg := data[i+4:]
			if len(seg) >= 10 && string(seg[0:5]) == "JFIF\x00" {
				units := seg[7]
				xd := int(binary.BigEndian.Uint16(seg[8:10]))
				if units == 1 { // dots per inch
					return xd
				}
				if units == 2 { // dots per cm
					return int(float64(xd) * 2.54)
				}
			}
		}
		i += 2 + segLen
	}
	return 0
}

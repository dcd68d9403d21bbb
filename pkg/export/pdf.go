// Package export converts captured chart images into delivery formats
package export

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/jung-kurt/gofpdf"

	"github.com/FulgerX2007/chartsnap/pkg/model"
)

// pxToPt converts CSS pixels to PDF points (96 DPI screen, 72 DPI page)
const pxToPt = 72.0 / 96.0

// PDF places a PNG on a single page sized exactly to the image
func PDF(img []byte, title string) ([]byte, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("image is not a PNG: %w", err)
	}
	w := float64(cfg.Width) * pxToPt
	h := float64(cfg.Height) * pxToPt

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		UnitStr: "pt",
		Size:    gofpdf.SizeType{Wd: w, Ht: h},
	})
	pdf.SetTitle(title, true)
	pdf.SetCreator("chartsnap", true)
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()

	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("chart", opts, bytes.NewReader(img))
	pdf.ImageOptions("chart", 0, 0, w, h, false, opts, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}
	return buf.Bytes(), nil
}

// Convert returns img in the requested format. PNG is returned as is.
func Convert(img []byte, format model.OutputFormat, title string) ([]byte, string, error) {
	switch format {
	case "", model.FormatPNG:
		return img, "image/png", nil
	case model.FormatPDF:
		out, err := PDF(img, title)
		return out, "application/pdf", err
	default:
		return nil, "", fmt.Errorf("unsupported output format '%s'", format)
	}
}

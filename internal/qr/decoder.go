package qr

import (
	"image"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// Decoder finds and decodes at most one QR code in an image.
type Decoder interface {
	Decode(img image.Image) (string, error)
}

// ZXing decodes QR codes with gozxing. It is safe for concurrent use.
type ZXing struct{}

// Decode tries a full search first and falls back to treating the region
// as a pure barcode.
func (ZXing) Decode(img image.Image) (string, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", err
	}
	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	res, err := qrcode.NewQRCodeReader().Decode(bmp, hints)
	if err == nil {
		return res.GetText(), nil
	}
	hints[gozxing.DecodeHintType_PURE_BARCODE] = true
	res, pureErr := qrcode.NewQRCodeReader().Decode(bmp, hints)
	if pureErr != nil {
		return "", err
	}
	return res.GetText(), nil
}

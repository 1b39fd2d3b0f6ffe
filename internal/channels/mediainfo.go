package channels

import (
	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/coworkd/internal/bus"
)

// ProbeImageDims fills Width/Height on an image attachment. Best effort;
// non-image or unreadable files are left untouched.
func ProbeImageDims(att *bus.Attachment) {
	if att.Type != "image" || att.LocalPath == "" {
		return
	}
	img, err := imaging.Open(att.LocalPath)
	if err != nil {
		return
	}
	bounds := img.Bounds()
	att.Width = bounds.Dx()
	att.Height = bounds.Dy()
}

// Package perspective provides optional page perspective correction.
//
// The pipeline treats correction as a swappable pre-processing stage. The
// shipped default is Passthrough: the recognition engine performs its own
// document unwarping, so warping here would be redundant work. QuadWarp
// remains available for engines that expect a flattened page.
package perspective

import "image"

// Corrector transforms a captured frame before encoding and recognition.
type Corrector interface {
	Correct(img image.Image) image.Image
}

// Passthrough returns frames unchanged.
type Passthrough struct{}

func (Passthrough) Correct(img image.Image) image.Image { return img }

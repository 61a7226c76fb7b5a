package perspective

import (
	"image"
	"log/slog"
	"math"
	"sort"

	"gocv.io/x/gocv"
)

// Canny thresholds and the minimum share of the frame a candidate page
// quadrilateral must cover; smaller detections are treated as misdetections.
const (
	cannyLow     = 50
	cannyHigh    = 150
	minAreaRatio = 0.1
	maxContours  = 10
)

// QuadWarp detects the page quadrilateral and flattens it with a
// four-point homography. Frames where no plausible quad is found pass
// through unchanged.
type QuadWarp struct{}

func (QuadWarp) Correct(img image.Image) image.Image {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		slog.Debug("perspective: mat conversion failed", "error", err)
		return img
	}
	defer mat.Close()

	quad := findPageQuad(mat)
	if quad == nil {
		return img
	}

	area := quadArea(quad)
	frameArea := float64(mat.Cols() * mat.Rows())
	if frameArea <= 0 || area/frameArea < minAreaRatio {
		slog.Debug("perspective: detected quad too small", "ratio", area/frameArea)
		return img
	}

	warped := fourPointTransform(mat, quad)
	defer warped.Close()

	out, err := warped.ToImage()
	if err != nil {
		slog.Debug("perspective: warp conversion failed", "error", err)
		return img
	}
	return out
}

// findPageQuad looks for the largest four-cornered contour in the frame.
func findPageQuad(mat gocv.Mat) []image.Point {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorRGBToGray)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Pt(5, 5), 0, 0, gocv.BorderDefault)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(blurred, &edges, cannyLow, cannyHigh)

	// Bridge gaps in the page outline before contour extraction.
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(5, 5))
	defer kernel.Close()
	gocv.Dilate(edges, &edges, kernel)
	gocv.Dilate(edges, &edges, kernel)
	gocv.Erode(edges, &edges, kernel)

	contours := gocv.FindContours(edges, gocv.RetrievalList, gocv.ChainApproxSimple)
	defer contours.Close()

	type candidate struct {
		points []image.Point
		area   float64
	}
	candidates := make([]candidate, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		candidates = append(candidates, candidate{points: c.ToPoints(), area: gocv.ContourArea(c)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].area > candidates[j].area })
	if len(candidates) > maxContours {
		candidates = candidates[:maxContours]
	}

	for _, c := range candidates {
		pv := gocv.NewPointVectorFromPoints(c.points)
		peri := gocv.ArcLength(pv, true)
		approx := gocv.ApproxPolyDP(pv, 0.02*peri, true)
		pts := approx.ToPoints()
		approx.Close()
		pv.Close()
		if len(pts) == 4 {
			return pts
		}
	}
	return nil
}

// fourPointTransform warps the quad onto an axis-aligned rectangle sized
// from the quad's edge lengths.
func fourPointTransform(mat gocv.Mat, quad []image.Point) gocv.Mat {
	tl, tr, br, bl := orderCorners(quad)

	width := int(math.Max(dist(br, bl), dist(tr, tl)))
	height := int(math.Max(dist(tr, br), dist(tl, bl)))
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}

	src := gocv.NewPoint2fVectorFromPoints([]gocv.Point2f{
		toPoint2f(tl), toPoint2f(tr), toPoint2f(br), toPoint2f(bl),
	})
	defer src.Close()
	dst := gocv.NewPoint2fVectorFromPoints([]gocv.Point2f{
		{X: 0, Y: 0},
		{X: float32(width - 1), Y: 0},
		{X: float32(width - 1), Y: float32(height - 1)},
		{X: 0, Y: float32(height - 1)},
	})
	defer dst.Close()

	m := gocv.GetPerspectiveTransform2f(src, dst)
	defer m.Close()

	warped := gocv.NewMat()
	gocv.WarpPerspective(mat, &warped, m, image.Pt(width, height))
	return warped
}

// orderCorners sorts quad corners into top-left, top-right, bottom-right,
// bottom-left using coordinate sums and differences.
func orderCorners(pts []image.Point) (tl, tr, br, bl image.Point) {
	tl, tr, br, bl = pts[0], pts[0], pts[0], pts[0]
	minSum, maxSum := math.MaxFloat64, -math.MaxFloat64
	minDiff, maxDiff := math.MaxFloat64, -math.MaxFloat64
	for _, p := range pts {
		sum := float64(p.X + p.Y)
		diff := float64(p.Y - p.X)
		if sum < minSum {
			minSum, tl = sum, p
		}
		if sum > maxSum {
			maxSum, br = sum, p
		}
		if diff < minDiff {
			minDiff, tr = diff, p
		}
		if diff > maxDiff {
			maxDiff, bl = diff, p
		}
	}
	return tl, tr, br, bl
}

func quadArea(pts []image.Point) float64 {
	// Shoelace formula.
	area := 0.0
	for i := range pts {
		j := (i + 1) % len(pts)
		area += float64(pts[i].X*pts[j].Y - pts[j].X*pts[i].Y)
	}
	return math.Abs(area) / 2
}

func dist(a, b image.Point) float64 {
	dx, dy := float64(a.X-b.X), float64(a.Y-b.Y)
	return math.Sqrt(dx*dx + dy*dy)
}

func toPoint2f(p image.Point) gocv.Point2f {
	return gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
}

package fingerprint

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/rs/zerolog"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/adlib"
)

type stubLoader struct {
	data map[string][]byte
}

func (s stubLoader) Load(_ context.Context, ref string) ([]byte, error) {
	raw, ok := s.data[ref]
	if !ok {
		return nil, errors.New("not found")
	}
	return raw, nil
}

func gradientPNG(t *testing.T, w, h int, invert bool) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / (w - 1))
			if invert {
				v = 255 - v
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestTextFingerprintsAreNullForEmptyText(t *testing.T) {
	t.Parallel()

	if got := TextSHA256("  \n\t "); got != nil {
		t.Fatalf("expected nil digest for blank text, got %x", got)
	}
	if _, ok := TextSimhash("... !!"); ok {
		t.Fatalf("expected no simhash for token-less text")
	}
}

func TestTextSHA256IgnoresCaseAndWhitespace(t *testing.T) {
	t.Parallel()

	a := TextSHA256("Vote  for\tJane Doe")
	b := TextSHA256("vote for jane doe ")
	if !bytes.Equal(a, b) {
		t.Fatalf("expected normalized text to share a digest")
	}
	if bytes.Equal(a, TextSHA256("vote for john doe")) {
		t.Fatalf("expected different text to differ")
	}
}

func TestSimhashNearDuplicatesAreClose(t *testing.T) {
	t.Parallel()

	base := "Paid for by Citizens for a Better Tomorrow. Vote yes on measure 12 this November to fund local schools and parks."
	near := "Paid for by Citizens for a Better Tomorrow. Vote yes on measure 12 this November to fund our local schools and parks."
	far := "Limited time offer on running shoes, free shipping on all orders over fifty dollars."

	a, _ := TextSimhash(base)
	b, _ := TextSimhash(near)
	c, _ := TextSimhash(far)
	if Hamming(a, b) >= Hamming(a, c) {
		t.Fatalf("expected near duplicate to be closer: near=%d far=%d", Hamming(a, b), Hamming(a, c))
	}
}

func TestImageDHashStableAcrossScales(t *testing.T) {
	t.Parallel()

	small, err := ImageDHash(gradientPNG(t, 90, 80, false))
	if err != nil {
		t.Fatalf("dhash small: %v", err)
	}
	large, err := ImageDHash(gradientPNG(t, 360, 320, false))
	if err != nil {
		t.Fatalf("dhash large: %v", err)
	}
	inverted, err := ImageDHash(gradientPNG(t, 90, 80, true))
	if err != nil {
		t.Fatalf("dhash inverted: %v", err)
	}
	if d := Hamming(small, large); d > 4 {
		t.Fatalf("expected rescaled image to stay close, distance=%d", d)
	}
	if d := Hamming(small, inverted); d < 32 {
		t.Fatalf("expected inverted image to be far, distance=%d", d)
	}
}

func TestComputeDegradesToTextOnImageFailure(t *testing.T) {
	t.Parallel()

	f := New(Options{Loader: stubLoader{}}, zerolog.Nop())
	fp, err := f.Compute(context.Background(), adlib.Creative{Body: "Hello voters", ImageURL: "https://img/missing.png"})
	if err == nil {
		t.Fatalf("expected image warning")
	}
	if fp.TextSHA256 == nil || fp.TextSimhash == nil {
		t.Fatalf("expected text fingerprints to survive image failure")
	}
	if fp.ImageHash != nil || fp.ImageDHash != nil {
		t.Fatalf("expected null image fingerprints")
	}
	if !NeedsRefresh(fp) {
		t.Fatalf("expected failed image to stay pending, got version %d", fp.Version)
	}
}

func TestComputeAllRetriesFailedImagesNextRun(t *testing.T) {
	t.Parallel()

	creatives := []adlib.Creative{{ID: 1, ArchiveID: 1, Body: "Vote early", ImageURL: "flaky.png"}}

	down := New(Options{Loader: stubLoader{}, Workers: 1}, zerolog.Nop())
	changed, result, err := down.ComputeAll(context.Background(), creatives)
	if err != nil {
		t.Fatalf("first ComputeAll error: %v", err)
	}
	if len(changed) != 1 || result.ImageFailures != 1 {
		t.Fatalf("unexpected first run changed=%v result=%+v", changed, result)
	}
	fp := creatives[0].Fingerprints
	if fp.TextSimhash == nil || fp.ImageDHash != nil {
		t.Fatalf("expected text-only fingerprints after failure: %+v", fp)
	}
	if !NeedsRefresh(fp) {
		t.Fatalf("expected creative to stay pending after image failure")
	}

	raw := gradientPNG(t, 18, 16, false)
	up := New(Options{Loader: stubLoader{data: map[string][]byte{"flaky.png": raw}}, Workers: 1}, zerolog.Nop())
	changed, result, err = up.ComputeAll(context.Background(), creatives)
	if err != nil {
		t.Fatalf("second ComputeAll error: %v", err)
	}
	if len(changed) != 1 || result.Skipped != 0 || result.ImageFailures != 0 {
		t.Fatalf("unexpected second run changed=%v result=%+v", changed, result)
	}
	fp = creatives[0].Fingerprints
	if fp.ImageDHash == nil || len(fp.ImageHash) != 32 || NeedsRefresh(fp) {
		t.Fatalf("expected image fingerprints and current version on retry: %+v", fp)
	}
}

func TestComputeAllSkipsCurrentFingerprints(t *testing.T) {
	t.Parallel()

	raw := gradientPNG(t, 18, 16, false)
	f := New(Options{Loader: stubLoader{data: map[string][]byte{"a.png": raw}}, Workers: 3}, zerolog.Nop())
	creatives := []adlib.Creative{
		{ID: 1, ArchiveID: 1, Body: "one", ImageURL: "a.png"},
		{ID: 2, ArchiveID: 2, Body: "two", ImageURL: "broken.png"},
		{ID: 3, ArchiveID: 3, Body: "three", Fingerprints: adlib.Fingerprints{Version: Version}},
		{ID: 4, ArchiveID: 4},
	}

	changed, result, err := f.ComputeAll(context.Background(), creatives)
	if err != nil {
		t.Fatalf("ComputeAll returned error: %v", err)
	}
	if len(changed) != 3 || result.Computed != 3 || result.Skipped != 1 || result.ImageFailures != 1 {
		t.Fatalf("unexpected result changed=%v result=%+v", changed, result)
	}
	if creatives[0].Fingerprints.ImageDHash == nil || len(creatives[0].Fingerprints.ImageHash) != 32 {
		t.Fatalf("expected image fingerprints on creative 1")
	}
	if !creatives[3].Fingerprints.Empty() {
		t.Fatalf("expected empty creative to have no fingerprints")
	}
	if creatives[3].Fingerprints.Version != Version {
		t.Fatalf("expected empty creative to be marked current")
	}
}

func TestComputeAllStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := New(Options{Workers: 1}, zerolog.Nop())
	_, _, err := f.ComputeAll(ctx, []adlib.Creative{{ID: 1, Body: "x"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

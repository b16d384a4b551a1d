package avatar

import (
	"context"
	"fmt"
	"sync"

	"github.com/corona10/goimagehash"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/lipstream/internal/model"
)

// PrepareOptions bounds the work done per avatar.
type PrepareOptions struct {
	// DetectFrames is how many leading frames are searched for a face. Default 10.
	DetectFrames int
	// EncodeFrames is how many leading frames are encoded. Default 50.
	EncodeFrames int
	// Concurrency limits concurrent encoder calls. Default 4.
	Concurrency int
	Logger      zerolog.Logger
}

func (o PrepareOptions) withDefaults() PrepareOptions {
	if o.DetectFrames <= 0 {
		o.DetectFrames = 10
	}
	if o.EncodeFrames <= 0 {
		o.EncodeFrames = 50
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	return o
}

// Prepare detects the face on the leading frames and encodes latents for up
// to EncodeFrames frames. Individual encode failures are skipped. When no
// face is found, or the models cannot prepare, it returns empty Materials and
// an empty store; the avatar then only supports the non-neural tiers. Only
// context cancellation is returned as an error.
func Prepare(ctx context.Context, frames []Frame, models model.Models, opts PrepareOptions) (Materials, *LatentStore, error) {
	opts = opts.withDefaults()
	log := opts.Logger
	if len(frames) == 0 || !models.CanPrepare() {
		return Materials{}, NewLatentStore(nil), nil
	}

	var (
		det  model.Detection
		ref  = -1
		scan = min(opts.DetectFrames, len(frames))
	)
	for i := 0; i < scan; i++ {
		d, found, err := models.Detector.Detect(ctx, frames[i].Image)
		if err != nil {
			if ctx.Err() != nil {
				return Materials{}, nil, ctx.Err()
			}
			log.Debug().Err(err).Int("frame", i).Msg("face detection failed")
			continue
		}
		if found {
			det, ref = d, i
			break
		}
	}
	if ref < 0 {
		log.Info().Int("searched", scan).Msg("no face detected; avatar limited to non-neural tiers")
		return Materials{}, NewLatentStore(nil), nil
	}
	materials := MaterialsFromDetection(frames[ref].Index, det, frames[ref].Image.Bounds())
	if !materials.HasFace() {
		return Materials{}, NewLatentStore(nil), nil
	}

	n := min(opts.EncodeFrames, len(frames))
	owners := dedupeFrames(ctx, frames[:n], log)
	if err := ctx.Err(); err != nil {
		return Materials{}, nil, err
	}

	encoded := make([][]float32, n)
	var (
		mu       sync.Mutex
		failures int
		calls    int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i := 0; i < n; i++ {
		if owners[i] != i {
			continue
		}
		calls++
		g.Go(func() error {
			f := frames[i]
			data, err := models.Encoder.Encode(gctx, f.Image, det)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				mu.Lock()
				failures++
				mu.Unlock()
				log.Debug().Err(err).Int("frame", f.Index).Msg("latent encode failed; skipping frame")
				return nil
			}
			encoded[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Materials{}, nil, err
	}

	// Frames that hash alike share the latent of their first occurrence but
	// keep their own source frame for compositing.
	latents := make([]Latent, 0, n)
	for i := 0; i < n; i++ {
		data := encoded[owners[i]]
		if len(data) == 0 {
			continue
		}
		latents = append(latents, Latent{FrameIndex: frames[i].Index, Data: data})
	}
	log.Info().
		Int("reference", materials.Reference).
		Int("latents", len(latents)).
		Int("encoded", calls).
		Int("reused", n-calls).
		Int("skipped", failures).
		Msg("avatar prepared")
	return materials, NewLatentStore(latents), nil
}

// dedupeFrames hashes each frame and maps it to the first frame with the same
// perceptual hash. Frames that fail to hash own themselves.
func dedupeFrames(ctx context.Context, frames []Frame, log zerolog.Logger) []int {
	owners := make([]int, len(frames))
	first := make(map[uint64]int, len(frames))
	for i, f := range frames {
		owners[i] = i
		if ctx.Err() != nil {
			continue
		}
		key, err := frameKey(f)
		if err != nil {
			log.Debug().Err(err).Int("frame", f.Index).Msg("perceptual hash failed; encoding frame on its own")
			continue
		}
		if j, ok := first[key]; ok {
			owners[i] = j
			continue
		}
		first[key] = i
	}
	return owners
}

func frameKey(f Frame) (uint64, error) {
	h, err := goimagehash.PerceptionHash(f.Image)
	if err != nil {
		return 0, fmt.Errorf("perception hash: %w", err)
	}
	return h.GetHash(), nil
}

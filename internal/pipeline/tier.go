// Package pipeline turns normalized audio into avatar frames. It owns the
// capability tiers, per-session tier selection and the frame buffer.
package pipeline

import (
	"fmt"

	"github.com/ent0n29/lipstream/internal/audio"
	"github.com/ent0n29/lipstream/internal/avatar"
	"github.com/ent0n29/lipstream/internal/model"
)

// Tier is a synthesis capability level. Lower values are more capable.
type Tier int

const (
	TierNeural Tier = iota
	TierCachedLatent
	TierVolumeViseme
	TierStaticCycle
)

var tierNames = [...]string{
	TierNeural:       "NEURAL",
	TierCachedLatent: "CACHED_LATENT",
	TierVolumeViseme: "VOLUME_VISEME",
	TierStaticCycle:  "STATIC_CYCLE",
}

func (t Tier) String() string {
	if t < TierNeural || t > TierStaticCycle {
		return fmt.Sprintf("Tier(%d)", int(t))
	}
	return tierNames[t]
}

// Error taxonomy. Collaborator packages define the sentinels; they are
// re-exported so callers can classify without importing every package.
var (
	ErrUnsupportedFormat  = audio.ErrUnsupportedFormat
	ErrDecodeFailure      = audio.ErrDecodeFailure
	ErrModelUnavailable   = model.ErrModelUnavailable
	ErrTransientSynthesis = model.ErrTransientSynthesis
	ErrAvatarLoad         = avatar.ErrAvatarLoad
)

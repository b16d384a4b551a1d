package avatar

// LatentStore holds an avatar's latents in frame order. It is immutable after
// construction and safe to share between sessions.
type LatentStore struct {
	latents []Latent
}

// NewLatentStore copies latents, keeping their order.
func NewLatentStore(latents []Latent) *LatentStore {
	s := &LatentStore{latents: make([]Latent, len(latents))}
	copy(s.latents, latents)
	return s
}

func (s *LatentStore) Len() int {
	if s == nil {
		return 0
	}
	return len(s.latents)
}

// Select picks the latent for the n-th processed chunk by round robin.
func (s *LatentStore) Select(n uint64) (Latent, bool) {
	if s.Len() == 0 {
		return Latent{}, false
	}
	return s.latents[n%uint64(len(s.latents))], true
}

package cuda

type Option func(*Runtime)

// WithSeed seeds the generator that fills the random buffers.
func WithSeed(seed uint64) Option {
	return func(r *Runtime) { r.seed = seed }
}

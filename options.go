package emubuf

// Default buffer tuning.
const (
	// DefaultMegaBufferingDisableThreshold is the view size above which
	// megabuffering is never attempted; copying large ranges every
	// execution costs more than binding the backing directly.
	DefaultMegaBufferingDisableThreshold = 128 << 10 // 128 KiB

	// DefaultFrequentlySyncedThreshold is the number of sequence advances
	// after which a buffer without inline updates is considered frequently
	// synced and becomes eligible for megabuffering.
	DefaultFrequentlySyncedThreshold = 8

	// DefaultMegaBufferTableMaxEntries caps the shard count of a buffer's
	// megabuffer table.
	DefaultMegaBufferTableMaxEntries = 0x500

	// DefaultMegaBufferTableShiftMin is the minimum shard granularity as a
	// power of two (256 bytes).
	DefaultMegaBufferTableShiftMin = 8
)

// Options hold per-buffer tuning knobs.
type Options struct {
	MegaBufferingDisableThreshold uint64
	FrequentlySyncedThreshold     uint64
	MegaBufferTableMaxEntries     uint64
	MegaBufferTableShiftMin       uint
}

func defaultOptions() Options {
	return Options{
		MegaBufferingDisableThreshold: DefaultMegaBufferingDisableThreshold,
		FrequentlySyncedThreshold:     DefaultFrequentlySyncedThreshold,
		MegaBufferTableMaxEntries:     DefaultMegaBufferTableMaxEntries,
		MegaBufferTableShiftMin:       DefaultMegaBufferTableShiftMin,
	}
}

// Option configures a Buffer at construction.
type Option func(*Options)

// WithMegaBufferingDisableThreshold sets the view size above which
// megabuffering is skipped.
func WithMegaBufferingDisableThreshold(n uint64) Option {
	return func(o *Options) { o.MegaBufferingDisableThreshold = n }
}

// WithFrequentlySyncedThreshold sets the sequence advance count after which
// a buffer is treated as frequently synced.
func WithFrequentlySyncedThreshold(n uint64) Option {
	return func(o *Options) { o.FrequentlySyncedThreshold = n }
}

// WithMegaBufferTableGeometry sets the megabuffer table shard limits: the
// maximum entry count and the minimum per-shard granularity as a power of
// two.
func WithMegaBufferTableGeometry(maxEntries uint64, shiftMin uint) Option {
	return func(o *Options) {
		if maxEntries > 0 {
			o.MegaBufferTableMaxEntries = maxEntries
		}
		o.MegaBufferTableShiftMin = shiftMin
	}
}

package pool

// defaultContextHint sizes fresh containers for a typical render context.
const defaultContextHint = 16

// NewContextPool returns a pool of render context maps. Released maps are
// emptied so nothing from one render is visible to the next borrower.
func NewContextPool(capacity int) (*Pool[map[string]any], error) {
	return New(capacity, func() map[string]any {
		return make(map[string]any, defaultContextHint)
	}, func(m map[string]any) {
		clear(m)
	})
}

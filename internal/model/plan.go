package model

// QuotaPlan is an immutable tier of limits. Zero values mean unlimited.
type QuotaPlan struct {
	ID              string
	Name            string
	MaxActiveStacks int
	MaxStorageGB    float64
}

// UnlimitedStacks reports whether the plan caps active stacks
func (p QuotaPlan) UnlimitedStacks() bool {
	return p.MaxActiveStacks <= 0
}

// UnlimitedStorage reports whether the plan caps storage
func (p QuotaPlan) UnlimitedStorage() bool {
	return p.MaxStorageGB <= 0
}

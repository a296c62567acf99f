package number

// LongShort is a directional position: gross long exposure, gross short
// exposure (a borrow, for instance) and their net. The zero value is a flat
// position.
type LongShort struct {
	Net   Number `json:"net"`
	Long  Number `json:"long"`
	Short Number `json:"short"`
}

// Held is a plain balance: net and long equal amount, nothing short.
func Held(amount Number) LongShort {
	return LongShort{Net: amount, Long: amount}
}

// Lent is a lending-market position with supply on the long side and borrow
// on the short side.
func Lent(supply, borrow Number) LongShort {
	return LongShort{Net: supply.Sub(borrow), Long: supply, Short: borrow}
}

// Add sums both positions field by field.
func (p LongShort) Add(other LongShort) LongShort {
	return LongShort{
		Net:   p.Net.Add(other.Net),
		Long:  p.Long.Add(other.Long),
		Short: p.Short.Add(other.Short),
	}
}

// Mul multiplies every field by price, keeping each field's scale. Used to
// turn amounts into values.
func (p LongShort) Mul(price Number) LongShort {
	return LongShort{
		Net:   p.Net.Mul(price),
		Long:  p.Long.Mul(price),
		Short: p.Short.Mul(price),
	}
}

// IsZero reports whether all three fields are zero.
func (p LongShort) IsZero() bool {
	return p.Net.IsZero() && p.Long.IsZero() && p.Short.IsZero()
}

// Equal compares all three fields with Number.Equal.
func (p LongShort) Equal(other LongShort) bool {
	return p.Net.Equal(other.Net) && p.Long.Equal(other.Long) && p.Short.Equal(other.Short)
}

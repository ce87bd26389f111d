package portio

import "fmt"

// Range is a contiguous block of ports.
type Range struct {
	Base uint16
	Len  uint16
}

func (r Range) Contains(port uint16) bool {
	return port >= r.Base && uint32(port) < uint32(r.Base)+uint32(r.Len)
}

func (r Range) String() string {
	return fmt.Sprintf("%#x-%#x", r.Base, uint32(r.Base)+uint32(r.Len)-1)
}

package core

import (
	"github.com/pkg/errors"
)

var (
	// ErrUnreadable is returned when an address is not backed by the dump.
	ErrUnreadable = errors.New("address not readable")
	// ErrNoField is returned when the layout table has no entry for a field.
	ErrNoField = errors.New("field not in layout")
)

// PhysReader reads raw bytes from the physical memory captured by the dump.
type PhysReader interface {
	// ReadPhysAt fills b from physical address pa. It fails with an error
	// wrapping ErrUnreadable if any byte of the range is not captured.
	ReadPhysAt(b []byte, pa PhysAddr) error
}

// MemoryView is the read-only view of a crashed kernel used by every walker:
// byte access at kernel virtual addresses plus the struct layout of the
// kernel build that produced the dump.
type MemoryView interface {
	PhysReader

	// PtrSize is the size of a pointer (and of unsigned long) in bytes.
	PtrSize() int64

	ReadU8(a Address) (uint8, error)
	ReadU16(a Address) (uint16, error)
	ReadU32(a Address) (uint32, error)
	ReadU64(a Address) (uint64, error)
	// ReadWord reads a PtrSize wide value.
	ReadWord(a Address) (uint64, error)
	// ReadCString reads a NUL terminated string of at most max bytes.
	ReadCString(a Address, max int) (string, error)

	FieldOffset(typ, field string) (int64, bool)
	Sizeof(typ string) (int64, bool)

	KernelVersion() Version
	Symbol(name string) (Address, bool)

	// Phys translates a kernel virtual address to a physical one.
	Phys(a Address) (PhysAddr, error)
}

// FieldAddr returns the address of typ.field inside the object at a.
func FieldAddr(v MemoryView, a Address, typ, field string) (Address, error) {
	off, ok := v.FieldOffset(typ, field)
	if !ok {
		return 0, errors.Wrapf(ErrNoField, "%s.%s", typ, field)
	}
	return a.Add(off), nil
}

// ReadWordField reads the pointer sized field typ.field of the object at a.
func ReadWordField(v MemoryView, a Address, typ, field string) (uint64, error) {
	fa, err := FieldAddr(v, a, typ, field)
	if err != nil {
		return 0, err
	}
	w, err := v.ReadWord(fa)
	if err != nil {
		return 0, errors.Wrapf(err, "read %s.%s at %s", typ, field, fa)
	}
	return w, nil
}

// ReadPtrField reads the pointer typ.field of the object at a.
func ReadPtrField(v MemoryView, a Address, typ, field string) (Address, error) {
	w, err := ReadWordField(v, a, typ, field)
	return Address(w), err
}

// ReadU32Field reads the 32-bit field typ.field of the object at a.
func ReadU32Field(v MemoryView, a Address, typ, field string) (uint32, error) {
	fa, err := FieldAddr(v, a, typ, field)
	if err != nil {
		return 0, err
	}
	x, err := v.ReadU32(fa)
	if err != nil {
		return 0, errors.Wrapf(err, "read %s.%s at %s", typ, field, fa)
	}
	return x, nil
}

// ReadU8Field reads the byte field typ.field of the object at a.
func ReadU8Field(v MemoryView, a Address, typ, field string) (uint8, error) {
	fa, err := FieldAddr(v, a, typ, field)
	if err != nil {
		return 0, err
	}
	x, err := v.ReadU8(fa)
	if err != nil {
		return 0, errors.Wrapf(err, "read %s.%s at %s", typ, field, fa)
	}
	return x, nil
}

// ContainerOf converts the address of an embedded typ.field back to the
// address of the enclosing typ.
func ContainerOf(v MemoryView, a Address, typ, field string) (Address, error) {
	off, ok := v.FieldOffset(typ, field)
	if !ok {
		return 0, errors.Wrapf(ErrNoField, "%s.%s", typ, field)
	}
	return a - Address(off), nil
}

// Unreadable returns an error wrapping ErrUnreadable for a virtual address.
func Unreadable(a Address) error {
	return errors.Wrapf(ErrUnreadable, "virtual %s", a)
}

// UnreadablePhys returns an error wrapping ErrUnreadable for a physical address.
func UnreadablePhys(pa PhysAddr) error {
	return errors.Wrapf(ErrUnreadable, "physical %s", pa)
}

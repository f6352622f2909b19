// loader.go - Flat-image loader contract

package main

import (
	"fmt"
	"os"
)

// LoadedImage is what a loader reports back to the core: where execution
// starts, where the stack begins, and which pages are mapped with what
// permissions. The core assumes nothing else is mapped until demanded.
type LoadedImage struct {
	EntryPC  GuestAddr
	StackTop GuestAddr
	HeapBase GuestAddr
	Mappings []ImageMapping
}

// ImageMapping is one initial page-permission claim.
type ImageMapping struct {
	Base  GuestAddr
	Size  uint64
	Flags PageFlags
}

// LoadFlatImage maps a raw code image at base, reserves a stack below
// stackTop, and returns the initial layout. ELF and bzImage loading live
// outside the core; this is the contract they fulfil.
func LoadFlatImage(bus *MemBus, image []byte, base GuestAddr, stackTop GuestAddr) (*LoadedImage, error) {
	if uint64(base)&GUEST_PAGE_MASK != 0 {
		return nil, fmt.Errorf("load base 0x%X not page-aligned", uint64(base))
	}
	if err := bus.WriteBytes(GuestPhysAddr(base), image); err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}
	codeSize := (uint64(len(image)) + GUEST_PAGE_MASK) &^ uint64(GUEST_PAGE_MASK)
	heapBase := base + GuestAddr(codeSize) + GUEST_PAGE_SIZE
	return &LoadedImage{
		EntryPC:  base,
		StackTop: stackTop,
		HeapBase: heapBase,
		Mappings: []ImageMapping{
			{Base: base, Size: codeSize, Flags: PAGE_R | PAGE_X | PAGE_USER},
			{Base: heapBase, Size: 0, Flags: PAGE_R | PAGE_W | PAGE_USER},
		},
	}, nil
}

// LoadFlatImageFile reads path and maps it through LoadFlatImage.
func LoadFlatImageFile(bus *MemBus, path string, base GuestAddr, stackTop GuestAddr) (*LoadedImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}
	return LoadFlatImage(bus, data, base, stackTop)
}

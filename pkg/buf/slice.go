// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package buf

// Slice is a zero-copy window into a Buf: the bytes B.B[Start:End]. The Buf
// it references may be shared with other slices; a Slice does not carry its
// own reference, its creator is responsible for the buffer's lifetime.
type Slice struct {
	B     *Buf
	Start int
	End   int
}

// Len returns the number of bytes in the window.
func (s Slice) Len() int {
	return s.End - s.Start
}

// Bytes returns the windowed bytes. The returned slice aliases the buffer.
func (s Slice) Bytes() []byte {
	return s.B.B[s.Start:s.End]
}

// MaxSlices bounds a SliceVector, matching the maximum number of fragments a
// single packet may consist of.
const MaxSlices = 16

// SliceVector is a fixed-capacity ordered sequence of slices, one per
// fragment of a packet under reassembly.
type SliceVector struct {
	s [MaxSlices]Slice
	n int
}

// Push appends a slice. Pushing onto a full vector is a programming error
// and panics.
func (v *SliceVector) Push(s Slice) {
	if v.n >= MaxSlices {
		panic("buf: slice vector overflow")
	}
	v.s[v.n] = s
	v.n++
}

// Len returns the number of slices held.
func (v *SliceVector) Len() int {
	return v.n
}

// At returns a pointer to the i'th slice so callers may adjust its window in
// place.
func (v *SliceVector) At(i int) *Slice {
	return &v.s[i]
}

// TotalLen returns the byte span over all slices.
func (v *SliceVector) TotalLen() (n int) {
	for i := 0; i < v.n; i++ {
		n += v.s[i].Len()
	}
	return
}

// Clear releases every held buffer and empties the vector.
func (v *SliceVector) Clear() {
	for i := 0; i < v.n; i++ {
		if v.s[i].B != nil {
			v.s[i].B.Done()
		}
		v.s[i] = Slice{}
	}
	v.n = 0
}

// Reset empties the vector without releasing buffers. Used when ownership of
// the slices was already handed elsewhere.
func (v *SliceVector) Reset() {
	for i := 0; i < v.n; i++ {
		v.s[i] = Slice{}
	}
	v.n = 0
}

// AssembleSliceVector concatenates all slices into a single freshly pooled
// buffer and returns the contiguous window. Buffers held by the vector are
// untouched.
func AssembleSliceVector(v *SliceVector) Slice {
	out := Get()
	ptr := 0
	for i := 0; i < v.n; i++ {
		ptr += copy(out.B[ptr:], v.s[i].Bytes())
	}
	return Slice{B: out, Start: 0, End: ptr}
}

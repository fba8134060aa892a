package pages

import (
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/orbismem/memutils"
)

// Store is a sparse, page-granular byte store. Pages that were never written read back as zero.
type Store struct {
	pageSize uint64
	pages    *swiss.Map[uint64, []byte]
}

func NewStore(pageSize uint64) *Store {
	memutils.DebugCheckPow2(pageSize, "pageSize")

	return &Store{
		pageSize: pageSize,
		pages:    swiss.NewMap[uint64, []byte](42),
	}
}

func (s *Store) PageSize() uint64 { return s.pageSize }

// PageCount returns the number of pages that currently hold data
func (s *Store) PageCount() int { return s.pages.Count() }

// HasPage reports whether the page containing addr holds data
func (s *Store) HasPage(addr uint64) bool {
	return s.pages.Has(addr / s.pageSize)
}

// ReadAt fills buf with the bytes stored at addr
func (s *Store) ReadAt(buf []byte, addr uint64) {
	for len(buf) > 0 {
		pageIndex := addr / s.pageSize
		pageOffset := addr % s.pageSize
		chunk := memutils.Min(uint64(len(buf)), s.pageSize-pageOffset)

		page, ok := s.pages.Get(pageIndex)
		if ok {
			copy(buf[:chunk], page[pageOffset:])
		} else {
			clear(buf[:chunk])
		}

		buf = buf[chunk:]
		addr += chunk
	}
}

// WriteAt stores data at addr, materializing pages as needed
func (s *Store) WriteAt(data []byte, addr uint64) {
	for len(data) > 0 {
		pageIndex := addr / s.pageSize
		pageOffset := addr % s.pageSize
		chunk := memutils.Min(uint64(len(data)), s.pageSize-pageOffset)

		page, ok := s.pages.Get(pageIndex)
		if !ok {
			page = make([]byte, s.pageSize)
			s.pages.Put(pageIndex, page)
		}
		copy(page[pageOffset:], data[:chunk])

		data = data[chunk:]
		addr += chunk
	}
}

// StorePage replaces the whole page containing addr with a copy of data, zero-extended to the page size
func (s *Store) StorePage(addr uint64, data []byte) {
	page := make([]byte, s.pageSize)
	copy(page, data)
	s.pages.Put(addr/s.pageSize, page)
}

// Drop discards the pages inside [start, end). Both bounds are page aligned.
func (s *Store) Drop(start, end uint64) {
	if uint64(s.pages.Count()) < (end-start)/s.pageSize {
		// Fewer stored pages than pages in the range: walk the map instead of the range
		first, last := start/s.pageSize, end/s.pageSize
		var doomed []uint64
		s.pages.Iter(func(index uint64, _ []byte) bool {
			if index >= first && index < last {
				doomed = append(doomed, index)
			}
			return false
		})
		for _, index := range doomed {
			s.pages.Delete(index)
		}
		return
	}

	for addr := start; addr < end; addr += s.pageSize {
		s.pages.Delete(addr / s.pageSize)
	}
}

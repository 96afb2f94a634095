package page

import "encoding/binary"

// byteOrder is little-endian per spec §6 ("All integers little-endian").
var byteOrder = binary.LittleEndian

// ByteOrder exposes the page layout's integer encoding to sibling
// packages (heap, index) that lay out page bodies.
func ByteOrder() binary.ByteOrder { return byteOrder }

package pe

// PE image header constants.
const (
	dosMagic    uint16 = 0x5A4D     // "MZ"
	peSignature uint32 = 0x00004550 // "PE\0\0"

	// Optional header magic values.
	magicPE32     uint16 = 0x10B
	magicPE32Plus uint16 = 0x20B

	// lfanewOffset is where the DOS header stores the PE header offset.
	lfanewOffset uintptr = 0x3C

	// minHeaderOffset/maxHeaderOffset bound a plausible e_lfanew. An offset
	// outside this range means the image is malformed.
	minHeaderOffset uintptr = 0x40
	maxHeaderOffset uintptr = 0x1000

	coffHeaderSize uintptr = 20

	// dirImport indexes the import table in the data directory array.
	dirImport = 1

	// importDescSize is the size of one import descriptor entry.
	importDescSize uintptr = 20

	// maxModuleName caps import name strings; a longer name means the walk
	// ran off the table.
	maxModuleName = 260
)

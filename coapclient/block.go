package coapclient

// blockSZX is the BLOCK2 size exponent for 1024-byte blocks (2**(4+6)).
const blockSZX = 6

// encodeBlock2 computes the BLOCK2 option value for block_index, with
// more-blocks always 0 since the caller drives continuation explicitly
// one index at a time: "(num << 4) | (m << 3) | szx", m=0, grounded on
// golioth_coap_add_block2's coap_block_t encoding.
func encodeBlock2(blockIndex uint32) uint32 {
	const m = 0
	return (blockIndex << 4) | (m << 3) | blockSZX
}

// NBlocksForSize returns the number of BlockSize-sized blocks needed to
// cover totalSize bytes, the caller-side helper an OTA-style manifest
// consumer uses to iterate block_index from 0 to NBlocksForSize-1,
// grounded on golioth_ota_size_to_nblocks.
func NBlocksForSize(totalSize int) int {
	n := totalSize / BlockSize
	if totalSize%BlockSize != 0 {
		n++
	}
	return n
}

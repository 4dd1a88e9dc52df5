package signalservice

const paddingBlockSize = 80

// padMessage appends a 0x80 terminator and zero bytes so the result, plus
// one byte for the cipher, fills whole 80-byte blocks.
func padMessage(body []byte) []byte {
	paddedLen := paddedLength(len(body)+1) - 1
	padded := make([]byte, paddedLen)
	copy(padded, body)
	padded[len(body)] = 0x80
	return padded
}

func paddedLength(n int) int {
	withTerminator := n + 1
	blocks := withTerminator / paddingBlockSize
	if withTerminator%paddingBlockSize != 0 {
		blocks++
	}
	return blocks * paddingBlockSize
}

// stripPadding removes the terminator and trailing zeros. Input without a
// terminator is returned unchanged.
func stripPadding(data []byte) []byte {
	for i := len(data) - 1; i >= 0; i-- {
		if data[i] == 0x80 {
			return data[:i]
		}
		if data[i] != 0x00 {
			break
		}
	}
	return data
}

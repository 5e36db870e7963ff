package adsb

import (
	"fmt"
	"strconv"
	"strings"
)

// US civil registrations (N-numbers) occupy the ICAO block a00001..adf7c7.
// The block is laid out as a tree: a leading digit 1-9, up to four further
// digits, and an optional one or two letter suffix. Letters I and O are not
// used.
const (
	nnumberLetters = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	nnumberDigits  = "0123456789"
	nnumberAll     = nnumberLetters + nnumberDigits

	usICAOFirst = 0xa00001
	usICAOLast  = 0xadf7c7

	suffixSize  = 1 + len(nnumberLetters)*(1+len(nnumberLetters)) // 601
	bucket4Size = 1 + len(nnumberLetters) + len(nnumberDigits)     // 35
	bucket3Size = len(nnumberDigits)*bucket4Size + suffixSize      // 951
	bucket2Size = len(nnumberDigits)*bucket3Size + suffixSize      // 10111
	bucket1Size = len(nnumberDigits)*bucket2Size + suffixSize      // 101711
)

// ICAOToNNumber converts a 24-bit ICAO hex address into a US N-number.
// It returns "" for addresses outside the US civil block or malformed input.
func ICAOToNNumber(hex string) string {
	hex = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(hex)), "~")
	addr, err := strconv.ParseUint(hex, 16, 32)
	if err != nil || addr < usICAOFirst || addr > usICAOLast {
		return ""
	}

	offset := int(addr - usICAOFirst)
	var b strings.Builder
	b.WriteByte('N')

	b.WriteByte(nnumberDigits[offset/bucket1Size+1])
	rem := offset % bucket1Size
	if rem < suffixSize {
		b.WriteString(suffixFromOffset(rem))
		return b.String()
	}

	for _, size := range []int{bucket2Size, bucket3Size} {
		rem -= suffixSize
		b.WriteByte(nnumberDigits[rem/size])
		rem %= size
		if rem < suffixSize {
			b.WriteString(suffixFromOffset(rem))
			return b.String()
		}
	}

	rem -= suffixSize
	b.WriteByte(nnumberDigits[rem/bucket4Size])
	rem %= bucket4Size
	if rem == 0 {
		return b.String()
	}
	b.WriteByte(nnumberAll[rem-1])
	return b.String()
}

// NNumberToICAO converts a US N-number into its lower case ICAO hex address
func NNumberToICAO(reg string) (string, error) {
	reg = strings.ToUpper(strings.TrimSpace(reg))
	tail := strings.TrimPrefix(reg, "N")
	if err := validateNNumber(tail); err != nil {
		return "", fmt.Errorf("invalid N-number %q: %w", reg, err)
	}

	addr := usICAOFirst
	for i := 0; i < len(tail); i++ {
		c := tail[i]
		if i == 4 {
			addr += strings.IndexByte(nnumberAll, c) + 1
			break
		}
		if isLetter(c) {
			addr += suffixToOffset(tail[i:])
			break
		}
		d := int(c - '0')
		switch i {
		case 0:
			addr += (d - 1) * bucket1Size
		case 1:
			addr += d*bucket2Size + suffixSize
		case 2:
			addr += d*bucket3Size + suffixSize
		case 3:
			addr += d*bucket4Size + suffixSize
		}
	}

	return fmt.Sprintf("%06x", addr), nil
}

func suffixFromOffset(offset int) string {
	if offset == 0 {
		return ""
	}
	first := nnumberLetters[(offset-1)/(len(nnumberLetters)+1)]
	rem := (offset - 1) % (len(nnumberLetters) + 1)
	if rem == 0 {
		return string(first)
	}
	return string([]byte{first, nnumberLetters[rem-1]})
}

func suffixToOffset(s string) int {
	if s == "" {
		return 0
	}
	count := strings.IndexByte(nnumberLetters, s[0])*(len(nnumberLetters)+1) + 1
	if len(s) == 2 {
		count += strings.IndexByte(nnumberLetters, s[1]) + 1
	}
	return count
}

func isLetter(c byte) bool {
	return strings.IndexByte(nnumberLetters, c) >= 0
}

func validateNNumber(tail string) error {
	if len(tail) == 0 || len(tail) > 5 {
		return fmt.Errorf("must have 1 to 5 characters after N")
	}
	if tail[0] < '1' || tail[0] > '9' {
		return fmt.Errorf("must start with a digit 1-9")
	}

	letters := 0
	for i := 1; i < len(tail); i++ {
		c := tail[i]
		switch {
		case isLetter(c):
			letters++
		case c >= '0' && c <= '9':
			if letters > 0 {
				return fmt.Errorf("digit after letter suffix")
			}
		default:
			return fmt.Errorf("invalid character %q", c)
		}
	}
	if letters > 2 {
		return fmt.Errorf("suffix longer than two letters")
	}
	return nil
}

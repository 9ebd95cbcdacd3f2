package server

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"strconv"
)

// residentBytes reads VmRSS from /proc/self/status. It fails off Linux.
func residentBytes() (int64, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return parseVmRSS(f)
}

func parseVmRSS(f *os.File) (int64, error) {
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		rest, ok := bytes.CutPrefix(scanner.Bytes(), []byte("VmRSS:"))
		if !ok {
			continue
		}
		fields := bytes.Fields(rest)
		if len(fields) == 0 {
			return 0, errors.New("VmRSS parse failure")
		}
		kb, err := strconv.ParseInt(string(fields[0]), 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, errors.New("VmRSS not found")
}

package dispatcher

import "fmt"

// parseResponseLine parses the worker's "RESP <len> of <file_size> END\n"
// line (spec §4.5).
func parseResponseLine(line string) (respLen, fileSize int, err error) {
	n, err := fmt.Sscanf(line, "RESP %d of %d END\n", &respLen, &fileSize)
	if err != nil || n != 2 {
		return 0, 0, fmt.Errorf("dispatcher: bad response line %q", line)
	}
	if respLen < 0 || fileSize < 0 {
		return 0, 0, fmt.Errorf("dispatcher: negative size in response line %q", line)
	}
	return respLen, fileSize, nil
}

package spacer

import "strings"

// Error classes raised by the executor.
const (
	RowColumnMismatchError = "spacer.exceptions.RowColumnMismatchError"
	RowColumnInvalidError  = "spacer.exceptions.RowColumnInvalidError"
	DataLimitError         = "spacer.exceptions.DataLimitError"
	URLDownloadError       = "spacer.exceptions.URLDownloadError"
	UnidentifiedImageError = "PIL.UnidentifiedImageError"
)

// ParseErrorLine takes the class and message from the last line of a
// traceback, like "module.SomeError: details". A line without a colon is
// all class.
func ParseErrorLine(traceback string) (class, message string) {
	lines := strings.Split(strings.TrimRight(traceback, "\r\n"), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	class, message, found := strings.Cut(last, ":")
	if !found {
		return last, ""
	}
	return class, strings.TrimSpace(message)
}

// ShortClass drops the module path: "spacer.exceptions.X" becomes "X".
func ShortClass(class string) string {
	if i := strings.LastIndex(class, "."); i >= 0 {
		return class[i+1:]
	}
	return class
}

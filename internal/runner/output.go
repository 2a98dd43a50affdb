package runner

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

// Decode turns raw process output into text. Valid UTF-8 is used as is;
// otherwise the charset named by the locale environment is tried, and a
// single-byte code page is the last resort. It never fails.
func Decode(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}
	if enc := localeEncoding(); enc != nil {
		if s, err := enc.NewDecoder().Bytes(b); err == nil && !strings.ContainsRune(string(s), utf8.RuneError) {
			return string(s)
		}
	}
	fallback := charmap.ISO8859_1
	if runtime.GOOS == "windows" {
		fallback = charmap.Windows1252
	}
	s, err := fallback.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "�")
	}
	return string(s)
}

// localeEncoding reads the charset part of LC_ALL, LC_CTYPE or LANG
// (e.g. "zh_CN.GBK").
func localeEncoding() encoding.Encoding {
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := os.Getenv(key)
		if val == "" {
			continue
		}
		dot := strings.IndexByte(val, '.')
		if dot < 0 {
			return nil
		}
		name := val[dot+1:]
		if at := strings.IndexByte(name, '@'); at >= 0 {
			name = name[:at]
		}
		if strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
			return nil
		}
		enc, err := htmlindex.Get(name)
		if err != nil {
			return nil
		}
		return enc
	}
	return nil
}

// SummarizeStdout keeps the head and tail of long output and elides the middle.
func SummarizeStdout(s string, limit int) string {
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}
	head := limit / 2
	tail := limit - head
	omitted := len(runes) - head - tail
	return string(runes[:head]) +
		fmt.Sprintf("\n... [output truncated: %d characters omitted] ...\n", omitted) +
		string(runes[len(runes)-tail:])
}

func capStderr(s string, limit int) string {
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "\n... [stderr truncated]"
}

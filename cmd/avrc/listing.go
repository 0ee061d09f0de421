package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

var (
	procStyle  = ansi.Style{}.Bold()
	labelStyle = ansi.Style{}.ForegroundColor(ansi.Yellow)
	addrStyle  = ansi.Style{}.ForegroundColor(ansi.BrightBlack)
	opStyle    = ansi.Style{}.Bold().ForegroundColor(ansi.Cyan)
	noteStyle  = ansi.Style{}.ForegroundColor(ansi.Green)
)

// styleLine colors one listing line. Procedure headers and labels end in
// a colon; instruction lines are "offset:\tmnemonic operands ; comment".
func styleLine(line string) string {
	addr, ins, ok := strings.Cut(line, ":\t")
	if !ok {
		switch {
		case strings.HasPrefix(line, ".L"):
			return labelStyle.Styled(line)
		case strings.HasSuffix(line, ":"):
			return procStyle.Styled(line)
		}
		return line
	}
	body, note, hasNote := strings.Cut(ins, ";")
	mnemonic, operands, _ := strings.Cut(body, " ")
	out := addrStyle.Styled(addr+":") + "\t"
	if mnemonic != "" {
		out += opStyle.Styled(mnemonic)
	}
	if operands != "" {
		out += " " + operands
	}
	if hasNote {
		out += noteStyle.Styled(";" + note)
	}
	return out
}

// styleListing writes text to w. With color set each line is styled and,
// when width is positive, truncated to the terminal width.
func styleListing(w io.Writer, text string, color bool, width int) error {
	bw := bufio.NewWriter(w)
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		if color {
			line = styleLine(line)
			if width > 0 && ansi.StringWidth(line) > width {
				line = ansi.Truncate(line, width-1, "…")
			}
		} else {
			line = ansi.Strip(line)
		}
		if _, err := fmt.Fprintln(bw, line); err != nil {
			return err
		}
	}
	return bw.Flush()
}

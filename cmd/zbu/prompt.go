package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

var errNotInteractive = errors.New("restore needs confirmation but stdin is not a terminal; pass --yes to proceed")

// confirmRestore asks the operator to type "yes" before target is overwritten.
// A file input that is not a terminal cannot answer, so it is refused.
func confirmRestore(in io.Reader, out io.Writer, target string) (bool, error) {
	if f, ok := in.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		return false, errNotInteractive
	}
	return confirm(in, out, target)
}

func confirm(in io.Reader, out io.Writer, target string) (bool, error) {
	fmt.Fprintf(out, "WARNING: restoring will roll back and overwrite %s.\n", target)
	fmt.Fprint(out, "Type 'yes' to continue: ")
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(answer), "yes"), nil
}

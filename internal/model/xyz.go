package model

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ReadXYZ parses a single-frame XYZ document. An optional fifth column "F"
// marks an atom as frozen.
func ReadXYZ(r io.Reader) (*Molecule, error) {
	sc := bufio.NewScanner(r)
	line := 0
	next := func() (string, bool) {
		if !sc.Scan() {
			return "", false
		}
		line++
		return sc.Text(), true
	}

	head, ok := next()
	if !ok {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("xyz: empty input")
	}
	n, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("xyz: line 1: invalid atom count %q", head)
	}
	title, _ := next()

	mol := &Molecule{Title: strings.TrimSpace(title), Atoms: make([]Atom, 0, n)}
	for len(mol.Atoms) < n {
		text, ok := next()
		if !ok {
			if err := sc.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("xyz: expected %d atoms, got %d", n, len(mol.Atoms))
		}
		atom, err := parseAtom(text)
		if err != nil {
			return nil, fmt.Errorf("xyz: line %d: %w", line, err)
		}
		mol.Atoms = append(mol.Atoms, atom)
	}
	return mol, nil
}

func parseAtom(text string) (Atom, error) {
	fields := strings.Fields(text)
	if len(fields) < 4 {
		return Atom{}, fmt.Errorf("expected symbol and 3 coordinates, got %q", text)
	}
	a := Atom{Symbol: fields[0]}
	for k := 0; k < 3; k++ {
		v, err := strconv.ParseFloat(fields[k+1], 64)
		if err != nil {
			return Atom{}, fmt.Errorf("bad coordinate %q", fields[k+1])
		}
		a.Position[k] = v
	}
	if len(fields) > 4 && strings.EqualFold(fields[4], "F") {
		a.Frozen = true
	}
	return a, nil
}

// WriteXYZ writes mol in XYZ format, marking frozen atoms with "F".
func WriteXYZ(w io.Writer, mol *Molecule) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%d\n%s\n", mol.NumAtoms(), mol.Title)
	for _, a := range mol.Atoms {
		fmt.Fprintf(bw, "%-3s %15.8f %15.8f %15.8f", a.Symbol, a.Position[0], a.Position[1], a.Position[2])
		if a.Frozen {
			bw.WriteString(" F")
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// LoadXYZ reads a molecule from an XYZ file
func LoadXYZ(path string) (*Molecule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open molecule: %w", err)
	}
	defer f.Close()
	return ReadXYZ(f)
}

// SaveXYZ writes a molecule to an XYZ file
func SaveXYZ(path string, mol *Molecule) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create molecule file: %w", err)
	}
	if err := WriteXYZ(f, mol); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Command parrotctl is a small demonstration CLI over ParrotDB's external
// interfaces (spec.md §6): open a segment, compile a rulebook script,
// drive an XML file through it, and print the resulting tree and a few
// segment stats. It holds no ParrotDB logic of its own — every step is a
// direct call into pamm or xi/*.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"parrotdb/pamm"
	"parrotdb/xi/xitoken"
	"parrotdb/xi/xitree"
	"parrotdb/xi/xirules"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "parrotctl:", err)
		os.Exit(1)
	}
}

func run() error {
	dbPath := flag.String("db", "", "path to the segment file (required)")
	rulesPath := flag.String("rules", "", "path to a rulebook <script> XML file (required)")
	inputPath := flag.String("input", "", "path to the XML document to drive (required)")
	maxNodes := flag.Uint("max-nodes", 4096, "node capacity for each tree opened in the segment")
	mmapInput := flag.Bool("mmap", false, "mmap the input file instead of streaming it")
	flag.Parse()

	if *dbPath == "" || *rulesPath == "" || *inputPath == "" {
		flag.Usage()
		return fmt.Errorf("-db, -rules and -input are all required")
	}

	seg, err := pamm.Open(*dbPath)
	if err != nil {
		return fmt.Errorf("open segment %q: %w", *dbPath, err)
	}
	defer seg.Close()

	rulesFile, err := os.Open(*rulesPath)
	if err != nil {
		return fmt.Errorf("open rulebook %q: %w", *rulesPath, err)
	}
	defer rulesFile.Close()

	scriptTree, err := xitree.Open(seg, "script", uint32(*maxNodes))
	if err != nil {
		return fmt.Errorf("open script tree: %w", err)
	}
	if err := loadXML(scriptTree, xitoken.SourceFromReader(rulesFile, xitoken.FlagIgnoreWS)); err != nil {
		return fmt.Errorf("parse rulebook %q: %w", *rulesPath, err)
	}

	rb, err := xirules.CompileScript(seg, scriptTree, "rb")
	if err != nil {
		return fmt.Errorf("compile rulebook: %w", err)
	}

	docTree, err := xitree.Open(seg, "doc", uint32(*maxNodes))
	if err != nil {
		return fmt.Errorf("open output tree: %w", err)
	}
	docNameAtom, err := docTree.Strings().Intern([]byte("#document"))
	if err != nil {
		return err
	}
	if _, err := docTree.NewNode(xitree.TypeOpen, docNameAtom); err != nil {
		return fmt.Errorf("create document root: %w", err)
	}

	var src *xitoken.Source
	if *mmapInput {
		src, err = xitoken.SourceFromFile(*inputPath, xitoken.FileOptions{Mmap: true})
		if err != nil {
			return fmt.Errorf("mmap input %q: %w", *inputPath, err)
		}
	} else {
		f, err := os.Open(*inputPath)
		if err != nil {
			return fmt.Errorf("open input %q: %w", *inputPath, err)
		}
		defer f.Close()
		src = xitoken.SourceFromReader(f, 0)
	}

	var emitted int
	visitor := func(typ xitoken.Type, name, data []byte, node pamm.Atom) error {
		emitted++
		fmt.Printf("emit %s %s %q\n", typ, name, data)
		return nil
	}

	start := time.Now()
	driver := xirules.NewDriver(rb)
	if err := driver.Run(src, docTree, visitor); err != nil {
		return fmt.Errorf("drive %q: %w", *inputPath, err)
	}
	elapsed := time.Since(start)

	fmt.Println("---")
	dumpTree(docTree, docTree.Root(), 0)
	fmt.Println("---")
	fmt.Printf("drove %q in %s, %d emit actions, %s segment pages, %s\n",
		*inputPath, elapsed, emitted,
		humanize.Comma(int64(seg.PageCount())), seg.SessionID())

	return seg.Checkpoint()
}

func dumpTree(tree *xitree.Tree, node pamm.Atom, depth int) {
	if node.IsNull() {
		return
	}
	indent := strings.Repeat("  ", depth)
	name := tree.Strings().Bytes(tree.Name(node))
	switch tree.Type(node) {
	case xitree.TypeText:
		fmt.Printf("%s#text %q\n", indent, tree.Strings().Bytes(tree.Content(node)))
	default:
		fmt.Printf("%s<%s>\n", indent, name)
		for attr := tree.FirstAttribute(node); !attr.IsNull(); attr = tree.NextAttribute(attr) {
			fmt.Printf("%s  @%s=%q\n", indent, tree.Strings().Bytes(tree.Name(attr)), tree.Strings().Bytes(tree.Content(attr)))
		}
	}
	for child := tree.FirstChild(node); !child.IsNull(); child = tree.NextSibling(child) {
		dumpTree(tree, child, depth+1)
	}
}

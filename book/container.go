package book

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ContainerPath is the location of the OCF container document.
const ContainerPath = "META-INF/container.xml"

// ErrNoRootFile is returned when container.xml names no package document.
var ErrNoRootFile = errors.New("container.xml declares no rootfile")

type container struct {
	XMLName   xml.Name `xml:"container"`
	Rootfiles []struct {
		FullPath  string `xml:"full-path,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"rootfiles>rootfile"`
}

type packageDoc struct {
	XMLName  xml.Name `xml:"package"`
	Metadata struct {
		Title    []string `xml:"title"`
		Language []string `xml:"language"`
		Creator  []string `xml:"creator"`
	} `xml:"metadata"`
	Manifest struct {
		Items []struct {
			ID        string `xml:"id,attr"`
			Href      string `xml:"href,attr"`
			MediaType string `xml:"media-type,attr"`
		} `xml:"item"`
	} `xml:"manifest"`
}

// PackageInfo is the subset of the package document shown to users.
type PackageInfo struct {
	// RootFile is the slash-separated path of the OPF relative to the tree root.
	RootFile string
	Title    string
	Language string
	Creator  string
	// NavFile is the NCX named in the manifest, relative to the tree root.
	NavFile string
}

// RootFile reads META-INF/container.xml under root and returns the
// slash-separated path of the first package document it declares.
func RootFile(root string) (string, error) {
	p := filepath.Join(root, filepath.FromSlash(ContainerPath))
	data, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", p, err)
	}

	var c container
	if err := xml.Unmarshal(data, &c); err != nil {
		return "", fmt.Errorf("parsing %s: %w", p, err)
	}
	for _, rf := range c.Rootfiles {
		if rf.FullPath != "" {
			return path.Clean(rf.FullPath), nil
		}
	}
	return "", ErrNoRootFile
}

// ReadPackage resolves the package document through container.xml and
// reads its descriptive metadata.
func ReadPackage(root string) (*PackageInfo, error) {
	rel, err := RootFile(root)
	if err != nil {
		return nil, err
	}

	p := filepath.Join(root, filepath.FromSlash(rel))
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}

	var pkg packageDoc
	if err := xml.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", p, err)
	}

	info := &PackageInfo{
		RootFile: rel,
		Title:    first(pkg.Metadata.Title),
		Language: first(pkg.Metadata.Language),
		Creator:  first(pkg.Metadata.Creator),
	}
	for _, item := range pkg.Manifest.Items {
		if item.MediaType == "application/x-dtbncx+xml" {
			info.NavFile = path.Join(path.Dir(rel), item.Href)
			break
		}
	}
	return info, nil
}

func first(values []string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

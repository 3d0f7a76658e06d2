package workspace

import (
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/h2non/filetype"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
	"github.com/oxen-ai/oxen-go/internal/tree"
)

// sniffLen is how many leading bytes type detection reads.
const sniffLen = 8192

// BuildFileRecord derives a FileNode record for a file on disk: content
// hash, size, mtime, mime/data type from magic bytes and extension, and
// typed metadata (tabular schema, image dimensions) where derivable.
func BuildFileRecord(relPath, absPath string, info os.FileInfo, contentHash hasher.Hash, numBytes int64) (*tree.FileRecord, error) {
	head, err := readHead(absPath)
	if err != nil {
		return nil, err
	}

	ext := strings.TrimPrefix(strings.ToLower(path.Ext(relPath)), ".")
	dataType, mimeType := detectType(head, ext)

	rec := &tree.FileRecord{
		Name:                path.Base(relPath),
		Hash:                contentHash,
		NumBytes:            uint64(numBytes),
		LastModifiedSeconds: info.ModTime().Unix(),
		LastModifiedNanos:   int64(info.ModTime().Nanosecond()),
		MimeType:            mimeType,
		Extension:           ext,
		DataType:            dataType,
	}

	switch dataType {
	case tree.DataTabular:
		meta, err := tabularMetadata(absPath, ext)
		if err == nil && meta != nil {
			rec.Metadata = &tree.EntryMetadata{Tabular: meta}
		}
	case tree.DataImage:
		if w, h, ok := imageDimensions(head); ok {
			rec.Metadata = &tree.EntryMetadata{Image: &tree.ImageMetadata{Width: w, Height: h}}
		}
	}

	if rec.Metadata != nil {
		metaHash, err := hasher.HashMetadata(rec.Metadata)
		if err != nil {
			return nil, err
		}
		rec.MetadataHash = metaHash
	}
	rec.CombinedHash = hasher.Combine(contentHash, rec.MetadataHash)
	return rec, nil
}

func readHead(absPath string) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "opening %s", absPath)
	}
	defer f.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "reading %s", absPath)
	}
	return head[:n], nil
}

// detectType classifies file contents by magic bytes first, then extension,
// then a text heuristic.
func detectType(head []byte, ext string) (tree.DataType, string) {
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		switch {
		case filetype.IsImage(head):
			return tree.DataImage, kind.MIME.Value
		case filetype.IsVideo(head):
			return tree.DataVideo, kind.MIME.Value
		case filetype.IsAudio(head):
			return tree.DataAudio, kind.MIME.Value
		}
		return tree.DataBinary, kind.MIME.Value
	}

	// Parquet's magic ("PAR1") is not in the matcher set; extension rules
	// below cover it along with the text-based tabular formats.
	switch ext {
	case "csv":
		return tree.DataTabular, "text/csv"
	case "tsv":
		return tree.DataTabular, "text/tab-separated-values"
	case "parquet", "arrow":
		return tree.DataTabular, "application/octet-stream"
	case "jsonl", "ndjson":
		return tree.DataTabular, "application/jsonl"
	}

	if looksLikeText(head) {
		mime := "text/plain"
		switch ext {
		case "json":
			mime = "application/json"
		case "md":
			mime = "text/markdown"
		case "html", "htm":
			mime = "text/html"
		}
		return tree.DataText, mime
	}
	return tree.DataBinary, "application/octet-stream"
}

// looksLikeText accepts valid UTF-8 without NUL bytes.
func looksLikeText(head []byte) bool {
	if len(head) == 0 {
		return true
	}
	for _, b := range head {
		if b == 0 {
			return false
		}
	}
	return utf8.Valid(head)
}

// tabularMetadata derives row/column shape and a best-effort schema from a
// delimited text file's header row. Other tabular formats (parquet, arrow,
// jsonl) get no metadata here: it returns nil for them.
func tabularMetadata(absPath, ext string) (*tree.TabularMetadata, error) {
	if ext != "csv" && ext != "tsv" {
		return nil, nil
	}

	f, err := os.Open(absPath)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "opening %s", absPath)
	}
	defer f.Close()

	reader := csv.NewReader(bufio.NewReader(f))
	if ext == "tsv" {
		reader.Comma = '\t'
	}
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil // empty or unparsable; no metadata
	}

	fields := make([]tree.SchemaField, 0, len(header))
	for _, name := range header {
		fields = append(fields, tree.SchemaField{Name: strings.TrimSpace(name), Dtype: "str"})
	}

	// Infer column types from the first data row, then count the rest.
	numRows := uint64(0)
	if first, err := reader.Read(); err == nil {
		numRows++
		for i, value := range first {
			if i >= len(fields) {
				break
			}
			fields[i].Dtype = inferDtype(value)
		}
		for {
			if _, err := reader.Read(); err != nil {
				break
			}
			numRows++
		}
	}

	return &tree.TabularMetadata{
		NumRows:    numRows,
		NumColumns: uint64(len(fields)),
		Fields:     fields,
	}, nil
}

func inferDtype(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "str"
	}
	if _, err := strconv.ParseInt(value, 10, 64); err == nil {
		return "i64"
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return "f64"
	}
	if _, err := strconv.ParseBool(value); err == nil {
		return "bool"
	}
	return "str"
}

// imageDimensions decodes width/height from PNG, GIF, and JPEG headers.
func imageDimensions(head []byte) (int, int, bool) {
	switch {
	case len(head) > 24 && string(head[1:4]) == "PNG":
		w := int(head[16])<<24 | int(head[17])<<16 | int(head[18])<<8 | int(head[19])
		h := int(head[20])<<24 | int(head[21])<<16 | int(head[22])<<8 | int(head[23])
		return w, h, true
	case len(head) > 10 && string(head[:4]) == "GIF8":
		w := int(head[6]) | int(head[7])<<8
		h := int(head[8]) | int(head[9])<<8
		return w, h, true
	case len(head) > 2 && head[0] == 0xFF && head[1] == 0xD8:
		return jpegDimensions(head)
	}
	return 0, 0, false
}

// jpegDimensions scans JPEG segments for a start-of-frame marker.
func jpegDimensions(head []byte) (int, int, bool) {
	i := 2
	for i+9 < len(head) {
		if head[i] != 0xFF {
			return 0, 0, false
		}
		marker := head[i+1]
		if marker >= 0xC0 && marker <= 0xCF && marker != 0xC4 && marker != 0xC8 && marker != 0xCC {
			h := int(head[i+5])<<8 | int(head[i+6])
			w := int(head[i+7])<<8 | int(head[i+8])
			return w, h, true
		}
		segLen := int(head[i+2])<<8 | int(head[i+3])
		i += 2 + segLen
	}
	return 0, 0, false
}

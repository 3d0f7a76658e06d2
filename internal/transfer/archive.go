package transfer

import (
	"archive/tar"
	"io"
	"mime/multipart"
	"net/textproto"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
)

// PackBlobArchive writes blobs as a tar stream with one entry per blob,
// named by hash. The server side of batch download uses this.
func PackBlobArchive(w io.Writer, blobs []ArchiveBlob) error {
	tw := tar.NewWriter(w)
	for _, blob := range blobs {
		hdr := &tar.Header{
			Name: blob.Hash.String(),
			Mode: 0o644,
			Size: int64(len(blob.Data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return oxerr.Wrap(oxerr.CodeIO, err, "writing archive header for %s", blob.Hash.Short())
		}
		if _, err := tw.Write(blob.Data); err != nil {
			return oxerr.Wrap(oxerr.CodeIO, err, "writing archive entry for %s", blob.Hash.Short())
		}
	}
	if err := tw.Close(); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "closing archive")
	}
	return nil
}

// ArchiveBlob is one entry of a blob archive.
type ArchiveBlob struct {
	Hash hasher.Hash
	Data []byte
}

// UnpackBlobArchive reads a tar stream of hash-named entries, invoking the
// callback per blob.
func UnpackBlobArchive(r io.Reader, each func(hash hasher.Hash, data []byte) error) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return oxerr.Wrap(oxerr.CodeNetwork, err, "reading archive")
		}
		h, err := hasher.Parse(hdr.Name)
		if err != nil {
			return oxerr.Integrity("archive entry %q is not a hash", hdr.Name)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return oxerr.Wrap(oxerr.CodeNetwork, err, "reading archive entry %s", h.Short())
		}
		if err := each(h, data); err != nil {
			return err
		}
	}
}

// createGzipPart adds a file[] multipart part whose filename is the blob's
// hash and whose content type marks it gzip-compressed.
func createGzipPart(mw *multipart.Writer, hash hasher.Hash) (io.Writer, error) {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file[]"; filename="`+hash.String()+`"`)
	header.Set("Content-Type", "application/gzip")
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "creating multipart part")
	}
	return part, nil
}

package slack

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"chatarchive/internal/metrics"
	"chatarchive/internal/storage"
)

// mirrorAttachments downloads files shared with msg into the mirror
// directory. Files are stored by content hash so duplicates share one copy.
// Download failures are reported and never fail the message.
func (i *Importer) mirrorAttachments(ctx context.Context, channel storage.Channel, cred Credential, msg *storage.Message) {
	for _, a := range msg.Attachments {
		if a.URLPrivate == "" || a.ContentHash != "" {
			continue
		}

		path, hash, err := i.mirrorFile(ctx, cred, a.URLPrivate)
		if err == nil {
			err = i.store.RecordAttachmentContent(ctx, msg.ID, a.RemoteFileID, path, hash)
		}
		if err != nil {
			metrics.FilesMirrored.WithLabelValues("error").Inc()
			i.reporter.Report(ctx, &RecordError{
				RemoteChannelID: channel.RemoteChannelID,
				RemoteMessageID: msg.RemoteMessageID,
				Err:             fmt.Errorf("failed to mirror file %s: %w", a.RemoteFileID, err),
			})
			continue
		}
		metrics.FilesMirrored.WithLabelValues("ok").Inc()
	}
}

// mirrorFile streams fileURL into a temp file under the mirror directory,
// hashing as it writes, then moves it to its content-addressed path.
func (i *Importer) mirrorFile(ctx context.Context, cred Credential, fileURL string) (string, string, error) {
	if err := os.MkdirAll(i.fileDir, 0o755); err != nil {
		return "", "", err
	}

	var (
		tmpName string
		hash    string
	)
	err := i.retrier.Do(ctx, "files.download", func(ctx context.Context) error {
		name, sum, err := i.downloadTemp(ctx, cred, fileURL)
		if err != nil {
			return err
		}
		tmpName, hash = name, sum
		return nil
	})
	if err != nil {
		return "", "", err
	}

	dir := filepath.Join(i.fileDir, hash[:2])
	path := filepath.Join(dir, hash)

	if _, err := os.Stat(path); err == nil {
		os.Remove(tmpName)
		return path, hash, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		os.Remove(tmpName)
		return "", "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		os.Remove(tmpName)
		return "", "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", "", err
	}
	return path, hash, nil
}

// downloadTemp writes one download attempt to a fresh temp file. The file is
// removed unless the download completes.
func (i *Importer) downloadTemp(ctx context.Context, cred Credential, fileURL string) (string, string, error) {
	tmp, err := os.CreateTemp(i.fileDir, "download.*.tmp")
	if err != nil {
		return "", "", err
	}
	h := storage.NewContentHasher()
	if err := i.client.FetchFile(ctx, &cred, fileURL, io.MultiWriter(tmp, h)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", "", err
	}
	return tmp.Name(), hex.EncodeToString(h.Sum(nil)), nil
}

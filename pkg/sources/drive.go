package sources

import (
	"context"
	"net/url"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/pollers"
)

var _ pollers.DriveClient = (*DriveClient)(nil)

// DriveClient lists the documents in a watched folder. The poller owns the
// new-versus-modified diffing; this client only reports current state.
type DriveClient struct {
	restClient
}

func NewDriveClient(cfg *config.SourceConfig) *DriveClient {
	return &DriveClient{restClient: newRESTClient(cfg)}
}

type driveFile struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	ModifiedBy string `json:"modified_by"`
}

// FilesIn returns the files currently in folderID.
func (c *DriveClient) FilesIn(ctx context.Context, folderID string) ([]pollers.DriveFile, error) {
	var resp struct {
		Files []driveFile `json:"files"`
	}
	if err := c.getJSON(ctx, "/folders/"+url.PathEscape(folderID)+"/files", nil, &resp); err != nil {
		return nil, err
	}

	files := make([]pollers.DriveFile, 0, len(resp.Files))
	for _, f := range resp.Files {
		files = append(files, pollers.DriveFile{
			ID:         f.ID,
			Name:       f.Name,
			FolderID:   folderID,
			ModifiedAt: parseTime(f.ModifiedAt),
			ModifiedBy: f.ModifiedBy,
		})
	}
	return files, nil
}

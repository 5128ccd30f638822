package remote

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"

	"github.com/BaSui01/nodeflow/types"
)

// =============================================================================
// 📁 文件操作
// =============================================================================

// FileEntry 目录列表中的一项
type FileEntry struct {
	Name      string `json:"name"`
	Mode      string `json:"mode"`
	Size      int64  `json:"size"`
	IsFile    bool   `json:"is_file"`
	IsSymlink bool   `json:"is_symlink"`
	MimeType  string `json:"mime_type"`
	ModifiedA string `json:"modified_at"`
}

// ListFiles 列出目录内容（幂等读，带重试）
func (c *Client) ListFiles(ctx context.Context, serverUUID, directory string) ([]FileEntry, error) {
	var out []FileEntry
	path := fmt.Sprintf("/api/servers/%s/files/list?directory=%s", serverUUID, url.QueryEscape(directory))
	if err := c.getWithRetry(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadFile 读取文件内容（幂等读，带重试）
func (c *Client) ReadFile(ctx context.Context, serverUUID, filePath string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	path := fmt.Sprintf("/api/servers/%s/files/contents?file=%s", serverUUID, url.QueryEscape(filePath))
	if err := c.getWithRetry(ctx, path, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

// WriteFile 写入文件内容
func (c *Client) WriteFile(ctx context.Context, serverUUID, filePath, content string) error {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/servers/%s/files/write", serverUUID),
		map[string]string{"file": filePath, "content": content}, nil, false)
}

// CopyFile 复制文件
func (c *Client) CopyFile(ctx context.Context, serverUUID, location string) error {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/servers/%s/files/copy", serverUUID),
		map[string]string{"location": location}, nil, false)
}

// RenameOp 一条重命名指令
type RenameOp struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RenameFiles 批量重命名/移动
func (c *Client) RenameFiles(ctx context.Context, serverUUID, root string, ops []RenameOp) error {
	if len(ops) == 0 {
		return types.NewError(types.ErrValidation, "no rename operations given").WithHTTPStatus(422)
	}
	return c.do(ctx, http.MethodPut,
		fmt.Sprintf("/api/servers/%s/files/rename", serverUUID),
		map[string]any{"root": root, "files": ops}, nil, false)
}

// Chmod 修改文件权限
func (c *Client) Chmod(ctx context.Context, serverUUID, root string, file, mode string) error {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/servers/%s/files/chmod", serverUUID),
		map[string]any{
			"root":  root,
			"files": []map[string]string{{"file": file, "mode": mode}},
		}, nil, false)
}

// Compress 压缩一组文件，返回生成的归档文件名
func (c *Client) Compress(ctx context.Context, serverUUID, root string, files []string) (string, error) {
	var out struct {
		Name string `json:"name"`
	}
	err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/servers/%s/files/compress", serverUUID),
		map[string]any{"root": root, "files": files}, &out, true)
	if err != nil {
		return "", err
	}
	return out.Name, nil
}

// Decompress 解压归档文件
func (c *Client) Decompress(ctx context.Context, serverUUID, root, file string) error {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/servers/%s/files/decompress", serverUUID),
		map[string]string{"root": root, "file": file}, nil, true)
}

// PullFile 让节点代理从 URL 拉取文件到服务器目录
func (c *Client) PullFile(ctx context.Context, serverUUID, directory, fileURL string) error {
	if _, err := url.ParseRequestURI(fileURL); err != nil {
		return types.NewError(types.ErrValidation, "invalid pull url").WithCause(err).WithHTTPStatus(422)
	}
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/servers/%s/files/pull", serverUUID),
		map[string]string{"directory": directory, "url": fileURL}, nil, true)
}

// UploadFile 经面板中转上传文件到服务器目录
// 内容走 base64，适合小文件；大文件应签发 file-upload 凭证后直连节点。
func (c *Client) UploadFile(ctx context.Context, serverUUID, directory, name string, content []byte) error {
	if name == "" {
		return types.NewError(types.ErrValidation, "file name is required").WithHTTPStatus(422)
	}
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/servers/%s/files/upload", serverUUID),
		map[string]string{
			"directory": directory,
			"name":      name,
			"content":   base64.StdEncoding.EncodeToString(content),
		}, nil, true)
}

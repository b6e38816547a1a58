// 本文件用于运行文件的对象存储封装与上传
// 在线模式可直接写入 OSS 离线模式默认复制到本地目录
package tracker

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	sdk "github.com/aliyun/aliyun-oss-go-sdk/oss"

	"simvue-integrations/internal/logger"
)

// ArtifactStore 负责保存运行文件并返回访问地址
type ArtifactStore interface {
	Put(ctx context.Context, localPath, key string) (string, error)
}

// OSSOptions OSS 存储配置
type OSSOptions struct {
	Endpoint   string
	Bucket     string
	AK         string
	SK         string
	Prefix     string
	DisableSSL bool
}

// OSSStore 封装 OSS Bucket 上传
type OSSStore struct {
	bucket   *sdk.Bucket
	endpoint string
	name     string
	prefix   string
}

// NewOSSStore 创建并初始化 OSS 存储
func NewOSSStore(opts OSSOptions) (*OSSStore, error) {
	logger.Info("初始化OSS客户端...")
	endpoint, err := normalizeOSSEndpoint(opts.Endpoint, opts.DisableSSL)
	if err != nil {
		return nil, err
	}
	ossClient, err := sdk.New(endpoint, opts.AK, opts.SK)
	if err != nil {
		return nil, fmt.Errorf("创建OSS客户端失败: %w", err)
	}
	bucket, err := ossClient.Bucket(opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("获取OSS Bucket失败: %w", err)
	}
	logger.Info("OSS客户端初始化成功")
	return &OSSStore{
		bucket:   bucket,
		endpoint: endpoint,
		name:     opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
	}, nil
}

// Put 上传文件到 OSS 并校验 ETag
func (s *OSSStore) Put(ctx context.Context, localPath, key string) (string, error) {
	if s == nil || s.bucket == nil {
		return "", fmt.Errorf("OSS Bucket未初始化")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("打开文件失败: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("获取文件信息失败: %w", err)
	}
	// 固定上传大小 仿真仍在写入的文件只上传当前快照
	contentLength := info.Size()

	objectKey := s.objectKey(key)
	var hasher hash.Hash = md5.New()
	body := io.TeeReader(io.NewSectionReader(file, 0, contentLength), hasher)
	var responseHeader http.Header
	err = s.bucket.PutObject(
		objectKey,
		&contextReader{ctx: ctx, reader: body},
		sdk.ContentLength(contentLength),
		sdk.ContentType("application/octet-stream"),
		sdk.GetResponseHeader(&responseHeader),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("OSS上传失败: %w", err)
	}
	localMD5 := hex.EncodeToString(hasher.Sum(nil))
	remoteETag := normalizeETag(responseHeader.Get("ETag"))
	if isValidMD5Hex(remoteETag) && !isETagMatch(localMD5, remoteETag) {
		return "", fmt.Errorf("OSS ETag校验失败: local=%s remote=%s", localMD5, remoteETag)
	}
	logger.Info("OSS上传成功: %s", objectKey)
	return buildDownloadURL(s.endpoint, s.name, objectKey), nil
}

func (s *OSSStore) objectKey(key string) string {
	key = strings.TrimLeft(filepath.ToSlash(key), "/")
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// LocalStore 将文件复制到本地目录 用于离线模式
type LocalStore struct {
	root string
}

// NewLocalStore 创建本地文件存储
func NewLocalStore(root string) (*LocalStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("本地存储目录不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("创建本地存储目录失败: %w", err)
	}
	return &LocalStore{root: root}, nil
}

// Put 复制文件并返回 file:// 地址
func (s *LocalStore) Put(ctx context.Context, localPath, key string) (string, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	cleaned := filepath.Clean("/" + filepath.FromSlash(key))
	target := filepath.Join(s.root, cleaned)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("创建目录失败: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("打开文件失败: %w", err)
	}
	defer src.Close()
	tmp := target + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("创建文件失败: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("复制文件失败: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, target); err != nil {
		return "", fmt.Errorf("替换文件失败: %w", err)
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		abs = target
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

func normalizeETag(value string) string {
	trimmed := strings.TrimSpace(value)
	trimmed = strings.Trim(trimmed, "\"")
	return strings.ToLower(trimmed)
}

func isValidMD5Hex(value string) bool {
	if len(value) != 32 {
		return false
	}
	for _, ch := range value {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'f':
		default:
			return false
		}
	}
	return true
}

func isETagMatch(localMD5Hex, remoteETag string) bool {
	local := normalizeETag(localMD5Hex)
	remote := normalizeETag(remoteETag)
	if !isValidMD5Hex(local) || !isValidMD5Hex(remote) {
		return false
	}
	return local == remote
}

// normalizeOSSEndpoint 用于统一 OSS Endpoint 格式
func normalizeOSSEndpoint(endpoint string, disableSSL bool) (string, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return "", fmt.Errorf("OSS Endpoint不能为空")
	}
	parsed, err := url.Parse(trimmed)
	if err == nil && parsed.Scheme != "" && parsed.Host != "" {
		return trimmed, nil
	}
	parsed, err = url.Parse("//" + trimmed)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("无效的 OSS Endpoint: %s", endpoint)
	}
	scheme := "https"
	if disableSSL {
		scheme = "http"
	}
	return scheme + "://" + parsed.Host + strings.TrimSuffix(parsed.Path, "/"), nil
}

// buildDownloadURL 使用虚拟主机风格拼接下载地址
func buildDownloadURL(endpoint, bucket, objectKey string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Host == "" {
		return objectKey
	}
	escaped := make([]string, 0)
	for _, part := range strings.Split(objectKey, "/") {
		escaped = append(escaped, url.PathEscape(part))
	}
	return fmt.Sprintf("%s://%s.%s/%s", parsed.Scheme, bucket, parsed.Host, strings.Join(escaped, "/"))
}

// contextReader 用于让上传过程响应上下文取消
type contextReader struct {
	ctx    context.Context
	reader io.Reader
}

// Read 在读取前检查上下文，避免取消后继续上传
func (r *contextReader) Read(p []byte) (int, error) {
	if r.ctx != nil {
		if err := r.ctx.Err(); err != nil {
			return 0, err
		}
	}
	return r.reader.Read(p)
}

package namespace

import (
	"path"
	"strings"
)

// Category is derived from a file name's extension.
type Category string

const (
	CategoryImage        Category = "image"
	CategoryVideo        Category = "video"
	CategoryAudio        Category = "audio"
	CategoryDocument     Category = "document"
	CategorySpreadsheet  Category = "spreadsheet"
	CategoryPresentation Category = "presentation"
	CategoryArchive      Category = "archive"
	CategoryCode         Category = "code"
	CategoryOther        Category = "other"
)

var extCategories = map[string]Category{
	"jpg": CategoryImage, "jpeg": CategoryImage, "png": CategoryImage, "gif": CategoryImage,
	"webp": CategoryImage, "svg": CategoryImage, "bmp": CategoryImage, "heic": CategoryImage,
	"tiff": CategoryImage, "ico": CategoryImage,

	"mp4": CategoryVideo, "webm": CategoryVideo, "mov": CategoryVideo, "avi": CategoryVideo,
	"mkv": CategoryVideo, "m4v": CategoryVideo, "wmv": CategoryVideo,

	"mp3": CategoryAudio, "wav": CategoryAudio, "ogg": CategoryAudio, "flac": CategoryAudio,
	"aac": CategoryAudio, "m4a": CategoryAudio, "opus": CategoryAudio,

	"pdf": CategoryDocument, "doc": CategoryDocument, "docx": CategoryDocument,
	"txt": CategoryDocument, "rtf": CategoryDocument, "odt": CategoryDocument,
	"md": CategoryDocument, "epub": CategoryDocument,

	"xls": CategorySpreadsheet, "xlsx": CategorySpreadsheet, "csv": CategorySpreadsheet,
	"ods": CategorySpreadsheet, "tsv": CategorySpreadsheet,

	"ppt": CategoryPresentation, "pptx": CategoryPresentation, "odp": CategoryPresentation,
	"key": CategoryPresentation,

	"zip": CategoryArchive, "rar": CategoryArchive, "7z": CategoryArchive, "tar": CategoryArchive,
	"gz": CategoryArchive, "bz2": CategoryArchive, "xz": CategoryArchive,

	"go": CategoryCode, "js": CategoryCode, "ts": CategoryCode, "tsx": CategoryCode,
	"jsx": CategoryCode, "py": CategoryCode, "java": CategoryCode, "c": CategoryCode,
	"cpp": CategoryCode, "h": CategoryCode, "rs": CategoryCode, "rb": CategoryCode,
	"php": CategoryCode, "html": CategoryCode, "css": CategoryCode, "json": CategoryCode,
	"yaml": CategoryCode, "yml": CategoryCode, "sh": CategoryCode, "sql": CategoryCode,
	"xml": CategoryCode,
}

// CategoryFromName derives a file category from its extension.
func CategoryFromName(name string) Category {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	if c, ok := extCategories[ext]; ok {
		return c
	}
	return CategoryOther
}

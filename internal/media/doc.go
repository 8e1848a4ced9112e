// Package media stores message attachments in object storage.
//
// The relay does not encode or transform media. Uploader sniffs the MIME type
// from the bytes (github.com/gabriel-vasile/mimetype), writes the object
// through an ObjectStore and returns a Result whose MediaRef a message can
// carry. Classify maps the sniffed type onto image, video, audio or
// document.
//
// S3Store speaks to any S3-compatible service: AWS, R2 or MinIO with
// use_path_style.
package media

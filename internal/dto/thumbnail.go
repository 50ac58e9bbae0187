package dto

type ThumbnailPayload struct {
	FileID string `json:"fileId" validate:"required"`
	Width  int    `json:"width" validate:"gte=0,lte=2048"`
	Height int    `json:"height" validate:"gte=0,lte=2048"`
}

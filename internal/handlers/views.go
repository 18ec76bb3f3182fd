package handlers

import (
	"io"
	"mime/multipart"

	"github.com/example/caption-demo/internal/upload"
)

type imageView struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

type resultView struct {
	Status upload.Status `json:"status"`
	Text   string        `json:"text"`
	Reason string        `json:"reason,omitempty"`
}

type stateView struct {
	Image  *imageView `json:"image"`
	Result resultView `json:"result"`
}

func newStateView(state *upload.State) stateView {
	out := stateView{
		Result: resultView{
			Status: state.Result.Status,
			Text:   state.Result.Text,
			Reason: state.Result.Reason,
		},
	}
	if state.Image != nil {
		out.Image = &imageView{
			Name:     state.Image.Name,
			MimeType: state.Image.MimeType,
			Size:     state.Image.Size,
		}
	}
	return out
}

func fileInput(file *multipart.FileHeader, body io.Reader) upload.FileInput {
	return upload.FileInput{
		Name:        file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Body:        body,
	}
}

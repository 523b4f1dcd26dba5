package directory

import "uchat-directory/internal/model"

const (
	imageLabel = "Image"
	videoLabel = "Video"
)

// DerivePreview summarizes a last message. Text always wins as the preview
// line; attachments are still flagged so they can be shown as icons.
func DerivePreview(msg *model.LastMessage) model.Preview {
	if msg == nil {
		return model.Preview{Kind: model.PreviewEmpty}
	}

	p := model.Preview{
		HasImage: msg.ImageURL != "",
		HasVideo: msg.VideoURL != "",
	}

	switch {
	case msg.Text != "":
		p.Kind = model.PreviewText
		p.Text = msg.Text
	case p.HasImage:
		p.Kind = model.PreviewImage
		p.Label = imageLabel
	case p.HasVideo:
		p.Kind = model.PreviewVideo
		p.Label = videoLabel
	default:
		p.Kind = model.PreviewEmpty
	}
	return p
}

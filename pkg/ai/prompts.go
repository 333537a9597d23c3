package ai

import (
	"fmt"

	"kmsai/pkg/domain"
)

const verdictSchema = `{
  "has_contradiction": "yes" | "no",
  "contradiction_count": <số lượng>,
  "contradictions": [
    {
      "id": 1,
      "description": "Mô tả ngắn gọn",
      "explanation": "Vì sao đây là mâu thuẫn",
      "conflicting_parts": ["Trích dẫn 1", "Trích dẫn 2"],
      "severity": "low" | "medium" | "high"
    }
  ],
  "explanation": "Tóm tắt",
  "conflicting_parts": ["Trích dẫn chính"],
  "conflict_type": "%s"
}`

const contentSystemPrompt = `Bạn là chuyên gia phát hiện mâu thuẫn trong văn bản tuyển sinh.
Hãy đọc kỹ đoạn văn và liệt kê MỌI mâu thuẫn bên trong nó:
- yêu cầu, điều kiện hoặc tiêu chí trái ngược nhau;
- số liệu, ngưỡng điểm, chỉ tiêu không nhất quán;
- các phát biểu không thể cùng đúng về cùng một đối tượng.
Đánh số từng mâu thuẫn, trích nguyên văn các phần xung đột và đánh giá mức độ nghiêm trọng.
Chỉ trả về một đối tượng JSON hợp lệ theo cấu trúc:
%s
Nếu không có mâu thuẫn, trả về has_contradiction "no" với danh sách rỗng.`

const pairSystemPrompt = `Bạn là chuyên gia phát hiện mâu thuẫn %s trong tài liệu tuyển sinh.
Hãy so sánh hai đoạn văn và liệt kê MỌI điểm mâu thuẫn giữa chúng:
- thông tin trái ngược về cùng một ngành, chương trình hoặc sự kiện;
- số liệu, chỉ tiêu, điểm chuẩn, học phí hoặc thời hạn khác nhau;
- quy định hoặc hướng dẫn xung đột.
Với mỗi mâu thuẫn, trích một phần từ mỗi đoạn và đánh giá mức độ nghiêm trọng (low/medium/high).
Chỉ trả về một đối tượng JSON hợp lệ theo cấu trúc:
%s
Nếu không có mâu thuẫn, trả về has_contradiction "no" với danh sách rỗng.`

func buildPrompts(req Request) (system, user string) {
	schema := fmt.Sprintf(verdictSchema, req.Mode)
	if req.Mode == domain.ConflictContent {
		return fmt.Sprintf(contentSystemPrompt, schema), "VĂN BẢN CẦN PHÂN TÍCH:\n\n" + req.TextA
	}
	scope := "giữa các tài liệu khác nhau"
	if req.Mode == domain.ConflictInternal {
		scope = "trong cùng một tài liệu"
	}
	return fmt.Sprintf(pairSystemPrompt, scope, schema),
		"NỘI DUNG 1:\n\n" + req.TextA + "\n\nNỘI DUNG 2:\n\n" + req.TextB
}

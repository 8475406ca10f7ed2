package jsonrecover

import (
	"strings"
	"testing"
)

func BenchmarkRecover(b *testing.B) {
	inputs := map[string]string{
		"Direct": `{"姓名":"张三","签名一致":true,"理由":"匹配"}`,
		"Fence":  "结果如下：\n```json\n{\"姓名\":\"张三\",\"签名一致\":true}\n```\n",
		"Scan":   strings.Repeat("无关的文字 ", 200) + `{"姓名":"张三","签名一致":false}` + " 结束",
		"None":   strings.Repeat("no json here ", 500),
	}

	for name, input := range inputs {
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = Recover(input)
			}
		})
	}
}

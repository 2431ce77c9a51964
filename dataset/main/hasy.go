package main

import (
	"flag"
	"log"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/sw965/hasy/blas32/tensor/2d"
	"github.com/sw965/hasy/dataset"
	"github.com/sw965/hasy/raster"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime)
	log.SetOutput(os.Stdout)

	trainPath := flag.String("train", "", "train manifest (csv)")
	testPath := flag.String("test", "", "test manifest (csv)")
	outputFile := flag.String("out", "hasy.gob", "output gob file")
	indexFile := flag.String("index", "", "write the label index as json")
	indexMode := flag.String("mode", "union", "label index mode: union, train, split")
	oneHot := flag.Bool("onehot", true, "one-hot encode labels")
	flatten := flag.Bool("flatten", true, "flatten images to rows*cols")
	rows := flag.Int("rows", raster.DefaultRows, "image rows")
	cols := flag.Int("cols", raster.DefaultCols, "image cols")
	resize := flag.Bool("resize", false, "resize images that do not match rows x cols")
	normalize := flag.Bool("normalize", false, "scale pixels to [0, 1]")
	p := flag.Int("p", 4, "number of decoding goroutines")
	flag.Parse()

	mode, err := dataset.ParseIndexMode(*indexMode)
	if err != nil {
		log.Fatal(err)
	}

	c := dataset.NewConfig(*trainPath, *testPath)
	c.IndexMode = mode
	c.OneHot = *oneHot
	c.Flatten = *flatten
	c.Shape = raster.Shape{Rows: *rows, Cols: *cols}
	c.Resize = *resize
	c.Parallelism = *p
	if err := c.Validate(); err != nil {
		log.Fatalf("設定が不正です: %v", err)
	}

	log.Println("manifestを読み込んでいます...")
	trainRecords, testRecords, err := dataset.LoadManifests(c)
	if err != nil {
		log.Fatalf("読み込み失敗: %v", err)
	}
	bar := progressbar.Default(int64(len(trainRecords)+len(testRecords)), "decoding")
	c.Progress = func() { bar.Add(1) }

	log.Println("HASYデータの読み込みを開始します...")
	data, err := dataset.LoadFromRecords(c, trainRecords, testRecords)
	if err != nil {
		log.Fatalf("読み込み失敗: %v", err)
	}
	bar.Finish()

	log.Printf("読み込み完了: Train[%d], Test[%d], Classes[%d]", data.Train.Len(), data.Test.Len(), data.Index.Len())
	if mode == dataset.PerSplitIndex {
		log.Printf("testにしか無いsymbol: %v", data.TestIndex.Difference(data.Index))
		log.Printf("trainにしか無いsymbol: %v", data.Index.Difference(data.TestIndex))
	}

	if *normalize {
		data.Normalize()
	}
	mean, std := tensor2d.MeanStd(data.Train.Matrix())
	log.Printf("Train画素: mean %.4f, std %.4f", mean, std)

	log.Println("gobファイルに保存しています...")
	if err := data.Save(*outputFile); err != nil {
		log.Fatalf("保存失敗: %v", err)
	}

	if *indexFile != "" {
		if err := data.Index.SaveJSON(*indexFile); err != nil {
			log.Fatalf("保存失敗: %v", err)
		}
	}

	log.Printf("完了しました！ '%s' に保存されました。", *outputFile)
}


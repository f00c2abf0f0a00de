/*
Package torrent implements a single torrent BitTorrent client driven by one
poll based event loop. A common workflow is to create a Client, add a torrent
and run it until the download completes.

	cl, _ := torrent.NewClient(nil)
	defer cl.Close()
	t, _ := cl.AddFromFile("example.torrent")
	if err := cl.Run(ctx); err == nil {
		fmt.Println(t.Name(), "downloaded!")
	}
*/
package torrent
